package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Engine: EngineConfiguration{
			MaxWorkerNumber: 4,
		},
		Scaling: ScalingConfiguration{
			BlockQueueSize: 100,
			BatchSize:      10,
			FetchTimeoutMS: 100,
			Concurrency:    2,
			PollIntervalMS: 50,
		},
		ResumeBreakPoint: ResumeBreakPointConfiguration{
			Store:    CheckpointNone,
			Schedule: "@every 1m",
		},
		ConnectionPool: ConnectionPoolConfiguration{
			PoolSize:           4,
			MaxIdleTimeSeconds: 10,
			MaxLifetimeSeconds: 300,
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8888,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
}

func TestValidate_InvalidScaling(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := map[string]func(c *Configuration){
		"workers":       func(c *Configuration) { c.Engine.MaxWorkerNumber = 0 },
		"queue":         func(c *Configuration) { c.Scaling.BlockQueueSize = 0 },
		"batch":         func(c *Configuration) { c.Scaling.BatchSize = -1 },
		"concurrency":   func(c *Configuration) { c.Scaling.Concurrency = 0 },
		"fetch_timeout": func(c *Configuration) { c.Scaling.FetchTimeoutMS = 0 },
		"poll":          func(c *Configuration) { c.Scaling.PollIntervalMS = 0 },
		"pool":          func(c *Configuration) { c.ConnectionPool.PoolSize = 0 },
		"admin_port":    func(c *Configuration) { c.Admin.Port = 70000 },
	}

	for name, mutate := range mutations {
		Config = validConfig()
		mutate(Config)
		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid %s", name)
		}
	}
}

func TestValidate_AdminPortIgnoredWhenDisabled(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestValidate_CheckpointStore(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.ResumeBreakPoint.Store = "s3"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown checkpoint store")
	}

	Config = validConfig()
	Config.ResumeBreakPoint.Store = CheckpointNats
	if err := Validate(); err == nil {
		t.Error("Expected error for nats store without url")
	}

	Config.ResumeBreakPoint.NatsURL = "nats://localhost:4222"
	Config.ResumeBreakPoint.Bucket = "positions"
	if err := Validate(); err != nil {
		t.Errorf("Expected nats store to validate, got: %v", err)
	}
}

func TestValidate_InvalidSchedule(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.ResumeBreakPoint.Schedule = "every minute please"
	if err := Validate(); err == nil {
		t.Error("Expected error for invalid schedule")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	dataDir := filepath.Join(tmpDir, "data")

	content := `
node_id = 42
data_dir = "` + dataDir + `"

[engine]
max_worker_number = 12

[scaling]
batch_size = 250
concurrency = 5

[resume_break_point]
store = "none"
schedule = "@every 30s"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	Config = validConfig()
	if err := Load(configPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 42 {
		t.Errorf("Expected node_id 42, got %d", Config.NodeID)
	}
	if Config.Engine.MaxWorkerNumber != 12 {
		t.Errorf("Expected 12 workers, got %d", Config.Engine.MaxWorkerNumber)
	}
	if Config.Scaling.BatchSize != 250 || Config.Scaling.Concurrency != 5 {
		t.Errorf("Unexpected scaling config: %+v", Config.Scaling)
	}
	if Config.Scaling.BlockQueueSize != 100 {
		t.Errorf("Expected untouched block queue size to keep its value, got %d", Config.Scaling.BlockQueueSize)
	}
	if Config.ResumeBreakPoint.Store != CheckpointNone {
		t.Errorf("Expected none store, got %s", Config.ResumeBreakPoint.Store)
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("Expected data dir to be created: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = filepath.Join(t.TempDir(), "data")
	if err := Load(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Config.NodeID != 1 {
		t.Errorf("Expected node id to be preserved, got %d", Config.NodeID)
	}
}

func TestLoad_FlagOverrides(t *testing.T) {
	original := Config
	defer func() {
		Config = original
		DataDirFlag = ""
		NodeIDFlag = 0
		AdminPortFlag = 0
	}()

	Config = validConfig()
	DataDirFlag = filepath.Join(t.TempDir(), "override")
	NodeIDFlag = 77
	AdminPortFlag = 9999

	if err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Config.DataDir != DataDirFlag {
		t.Errorf("Expected data dir override, got %s", Config.DataDir)
	}
	if Config.NodeID != 77 {
		t.Errorf("Expected node id override, got %d", Config.NodeID)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port override, got %d", Config.Admin.Port)
	}
}

func TestGetCheckpointPath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = "/var/lib/scaling"
	if got := GetCheckpointPath(); got != filepath.Join("/var/lib/scaling", "checkpoints") {
		t.Errorf("Unexpected checkpoint path: %s", got)
	}

	Config.ResumeBreakPoint.Path = "/tmp/cp"
	if got := GetCheckpointPath(); got != "/tmp/cp" {
		t.Errorf("Unexpected checkpoint path override: %s", got)
	}
}

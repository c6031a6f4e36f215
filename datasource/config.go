package datasource

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-sql-driver/mysql"
)

// Type identifies the database engine behind a Configuration.
type Type string

const (
	TypeSQLite Type = "sqlite3"
	TypeMySQL  Type = "mysql"
)

// Configuration identifies one physical database. It is a comparable value
// and doubles as the datasource cache key.
type Configuration struct {
	Type     Type   `json:"type" toml:"type"`
	URL      string `json:"url" toml:"url"`
	User     string `json:"user,omitempty" toml:"user"`
	Password string `json:"password,omitempty" toml:"password"`
}

// Validate checks the configuration without opening a connection.
func (c Configuration) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("datasource url is required")
	}
	_, err := c.DSN()
	return err
}

// DriverName returns the database/sql driver to open the configuration with.
func (c Configuration) DriverName() (string, error) {
	switch c.Type {
	case TypeSQLite:
		return SQLiteDriverName, nil
	case TypeMySQL:
		return "mysql", nil
	}
	return "", fmt.Errorf("unsupported datasource type %q", c.Type)
}

// DSN builds the driver specific data source name.
func (c Configuration) DSN() (string, error) {
	switch c.Type {
	case TypeSQLite:
		return sqliteDSN(c.URL), nil
	case TypeMySQL:
		return mysqlDSN(c)
	}
	return "", fmt.Errorf("unsupported datasource type %q", c.Type)
}

// Dialect returns the goqu dialect for building statements.
func (c Configuration) Dialect() goqu.DialectWrapper {
	switch c.Type {
	case TypeMySQL:
		return goqu.Dialect("mysql")
	default:
		return goqu.Dialect("sqlite3")
	}
}

// Name returns a short, credential free identifier for logs.
func (c Configuration) Name() string {
	switch c.Type {
	case TypeMySQL:
		if cfg, err := mysql.ParseDSN(strings.TrimPrefix(c.URL, "mysql://")); err == nil {
			return fmt.Sprintf("mysql:%s/%s", cfg.Addr, cfg.DBName)
		}
	case TypeSQLite:
		return "sqlite3:" + strings.TrimPrefix(strings.SplitN(c.URL, "?", 2)[0], "file:")
	}
	return string(c.Type)
}

func (c Configuration) String() string {
	return c.Name()
}

func sqliteDSN(raw string) string {
	if strings.Contains(raw, "_busy_timeout") || strings.Contains(raw, "_txlock") {
		return raw
	}
	if strings.Contains(raw, "?") {
		return raw + "&_txlock=immediate"
	}
	return raw + "?_txlock=immediate"
}

// mysqlDSN accepts either a go-sql-driver DSN ("tcp(host:3306)/db") or a
// URL ("mysql://host:3306/db?parseTime=true").
func mysqlDSN(c Configuration) (string, error) {
	var cfg *mysql.Config

	if strings.HasPrefix(c.URL, "mysql://") {
		u, err := url.Parse(c.URL)
		if err != nil {
			return "", fmt.Errorf("invalid mysql url: %w", err)
		}
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		params := map[string]string{}
		for k, v := range u.Query() {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if len(params) > 0 {
			cfg.Params = params
		}
	} else {
		parsed, err := mysql.ParseDSN(c.URL)
		if err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg = parsed
	}

	if c.User != "" {
		cfg.User = c.User
	}
	if c.Password != "" {
		cfg.Passwd = c.Password
	}
	cfg.ParseTime = true
	cfg.InterpolateParams = true

	return cfg.FormatDSN(), nil
}

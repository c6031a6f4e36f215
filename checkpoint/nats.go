package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsRepository stores positions in a JetStream key-value bucket so several
// scaling processes can resume each other's jobs.
type NatsRepository struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// NewNatsRepository connects to url and opens (or creates) bucket.
func NewNatsRepository(ctx context.Context, url, bucket string) (*NatsRepository, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "scaling job positions",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open kv bucket %s: %w", bucket, err)
	}

	return &NatsRepository{nc: nc, kv: kv}, nil
}

// kvKey maps a checkpoint path onto the NATS key alphabet:
// "/12/position/0/inventory" becomes "12.position.0.inventory".
func kvKey(key string) string {
	return strings.ReplaceAll(strings.Trim(key, "/"), "/", ".")
}

func (r *NatsRepository) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := r.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(entry.Value()), true, nil
}

func (r *NatsRepository) Persist(ctx context.Context, key, value string) error {
	if _, err := r.kv.PutString(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

func (r *NatsRepository) Available() bool {
	return r.nc != nil && !r.nc.IsClosed()
}

func (r *NatsRepository) Close() error {
	if r.nc != nil {
		r.nc.Close()
	}
	return nil
}

package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KeyValue is the part of a JetStream key value bucket the cache uses.
type KeyValue interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// ErrKeyNotFound is returned by KeyValue.Get for missing keys.
var ErrKeyNotFound = errors.New("key not found")

type bucket struct {
	kv jetstream.KeyValue
}

func (b bucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b bucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

// NATS shares cached responses between gateway instances through a JetStream key value
// bucket. The bucket TTL bounds every entry; shorter per-entry TTLs are enforced on read.
type NATS struct {
	kv   KeyValue
	conn *nats.Conn
	now  func() time.Time
}

func NewNATS(kv KeyValue) *NATS {
	return &NATS{kv: kv, now: time.Now}
}

// DialNATS connects to url and opens, or creates, the bucket.
func DialNATS(ctx context.Context, url, bucketName string, ttl time.Duration) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("storefront-mesh"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketName,
			Description: "GraphQL response cache",
			TTL:         ttl,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open bucket %s: %w", bucketName, err)
	}

	n := NewNATS(bucket{kv: kv})
	n.conn = conn
	return n, nil
}

func (n *NATS) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := n.kv.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("nats get %s: %w", key, err)
	}
	if len(value) < 8 {
		return nil, false, fmt.Errorf("nats get %s: malformed entry", key)
	}
	expires := int64(binary.BigEndian.Uint64(value[:8]))
	if expires != 0 && n.now().UnixNano() >= expires {
		return nil, false, nil
	}
	return value[8:], true, nil
}

func (n *NATS) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(entry[:8], uint64(n.now().Add(ttl).UnixNano()))
	}
	copy(entry[8:], value)
	if err := n.kv.Put(ctx, key, entry); err != nil {
		return fmt.Errorf("nats put %s: %w", key, err)
	}
	return nil
}

func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

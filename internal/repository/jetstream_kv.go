package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// jetStreamBucket is the subset of jetstream.KeyValue used by JetStreamKV.
type jetStreamBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

// JetStreamKV stores records in a NATS JetStream key-value bucket. Bucket
// revisions are the stream sequence numbers of the last write.
type JetStreamKV struct {
	bucket jetStreamBucket
}

// NewJetStreamKV wraps an opened bucket.
func NewJetStreamKV(bucket jetStreamBucket) (*JetStreamKV, error) {
	if bucket == nil {
		return nil, errors.New("repository: bucket must not be nil")
	}
	return &JetStreamKV{bucket: bucket}, nil
}

// OpenJetStreamKV creates the bucket if needed and returns a KV over it.
func OpenJetStreamKV(ctx context.Context, js jetstream.JetStream, bucket string) (*JetStreamKV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "AI coordinator sessions",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: open bucket %q: %w", bucket, err)
	}
	return NewJetStreamKV(kv)
}

func (j *JetStreamKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := j.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("repository: Get: %w", err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (j *JetStreamKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := j.bucket.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("repository: Create: %w", err)
	}
	return rev, nil
}

func (j *JetStreamKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := j.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if wrongRevision(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("repository: Update: %w", err)
	}
	return rev, nil
}

func wrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

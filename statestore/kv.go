package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streamexporter/errors"
)

// DefaultBucket is the KV bucket holding the exporter's coordination keys
const DefaultBucket = "exporter-coordination"

// KVOptions configures the JetStream-backed store
type KVOptions struct {
	Bucket         string        // KV bucket name
	Timeout        time.Duration // Per-operation timeout
	ConnectTimeout time.Duration // Dial timeout for the lazy connect
	Logger         *slog.Logger
}

// KVOption is a functional option for configuring the KV store
type KVOption func(*KVOptions)

// WithBucket sets the KV bucket name
func WithBucket(bucket string) KVOption {
	return func(o *KVOptions) { o.Bucket = bucket }
}

// WithTimeout sets the per-operation timeout
func WithTimeout(d time.Duration) KVOption {
	return func(o *KVOptions) { o.Timeout = d }
}

// WithConnectTimeout sets the dial timeout for the lazy connect
func WithConnectTimeout(d time.Duration) KVOption {
	return func(o *KVOptions) { o.ConnectTimeout = d }
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) KVOption {
	return func(o *KVOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// KV is a Store backed by a NATS JetStream KV bucket. The connection is
// established lazily on first use so the exporter can come up before the
// store is reachable; every operation re-attempts the connect until one
// succeeds. Unreachability surfaces as errors.ErrCoordinationUnavailable and
// is the caller's cue to fall back to local-only exclusion.
type KV struct {
	url     string
	options KVOptions

	mu     sync.Mutex
	conn   *nats.Conn
	bucket jetstream.KeyValue
}

// NewKV creates a JetStream-backed store for the given NATS URL.
// No connection is attempted until the first operation.
func NewKV(url string, opts ...KVOption) *KV {
	options := KVOptions{
		Bucket:         DefaultBucket,
		Timeout:        5 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Logger:         slog.Default().With("component", "statestore"),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &KV{
		url:     url,
		options: options,
	}
}

// ensureBucket lazily dials NATS and binds the coordination bucket,
// creating it if it does not exist yet.
func (s *KV) ensureBucket(ctx context.Context) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucket != nil && s.conn != nil && s.conn.IsConnected() {
		return s.bucket, nil
	}

	if s.conn == nil || s.conn.IsClosed() {
		conn, err := nats.Connect(s.url,
			nats.Timeout(s.options.ConnectTimeout),
			nats.RetryOnFailedConnect(false),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrCoordinationUnavailable, err),
				"KV", "ensureBucket", "connect to store")
		}
		s.conn = conn
	}

	js, err := jetstream.New(s.conn)
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "ensureBucket", "initialize jetstream")
	}

	// Try to bind the existing bucket first; create on first use
	bucket, err := js.KeyValue(ctx, s.options.Bucket)
	if err != nil {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      s.options.Bucket,
			Description: "exporter listener coordination flags",
			History:     1,
		})
		if err != nil {
			// Lost the creation race to another worker
			if isAlreadyExistsError(err) {
				bucket, err = js.KeyValue(ctx, s.options.Bucket)
			}
			if err != nil {
				return nil, errors.WrapTransient(
					fmt.Errorf("%w: %v", errors.ErrCoordinationUnavailable, err),
					"KV", "ensureBucket", "bind coordination bucket")
			}
		} else {
			s.options.Logger.Info("created coordination bucket", "bucket", s.options.Bucket)
		}
	}

	s.bucket = bucket
	return bucket, nil
}

// applyTimeout applies the configured per-operation timeout to the context
func (s *KV) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.options.Timeout > 0 {
		return context.WithTimeout(ctx, s.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves the value for key
func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	bucket, err := s.ensureBucket(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := bucket.Get(ctx, key)
	if err != nil {
		if isNotFoundError(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KV", "Get", fmt.Sprintf("read %s", key))
	}

	return entry.Value(), nil
}

// Put creates or overwrites key (last writer wins)
func (s *KV) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	bucket, err := s.ensureBucket(ctx)
	if err != nil {
		return err
	}

	if _, err := bucket.Put(ctx, key, value); err != nil {
		return errors.WrapTransient(err, "KV", "Put", fmt.Sprintf("write %s", key))
	}
	return nil
}

// Create sets key only if it does not exist yet. This is the atomic
// set-if-not-exists primitive used for the auto-start election.
func (s *KV) Create(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	bucket, err := s.ensureBucket(ctx)
	if err != nil {
		return err
	}

	if _, err := bucket.Create(ctx, key, value); err != nil {
		if isConflictError(err) {
			return errors.ErrKeyExists
		}
		return errors.WrapTransient(err, "KV", "Create", fmt.Sprintf("create %s", key))
	}
	return nil
}

// Delete removes key; an absent key is not an error
func (s *KV) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	bucket, err := s.ensureBucket(ctx)
	if err != nil {
		return err
	}

	if err := bucket.Delete(ctx, key); err != nil {
		if isNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "KV", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Close releases the NATS connection
func (s *KV) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}
	s.conn = nil
	s.bucket = nil
}

// Error detection helpers. JetStream surfaces these conditions both as typed
// errors and as bare server responses with numeric codes, so match both.

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "10058")
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "10058")
}

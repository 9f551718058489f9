package servent

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// options configures a Node (internal only).
type options struct {
	ringSize    int
	joinTimeout time.Duration
	files       FileStore
	registerer  prometheus.Registerer
	logger      *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		ringSize:    64,
		joinTimeout: 10 * time.Second,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Node.
type Option func(*options)

// WithRingSize sets the ring size. It must be a power of two and identical cluster-wide.
// DEFAULT: 64
func WithRingSize(size int) Option {
	return func(o *options) {
		o.ringSize = size
	}
}

// WithJoinTimeout bounds how long Start waits for a welcome from the ring.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.joinTimeout = timeout
	}
}

// WithFileStore sets the store backing upload, remove and list operations.
// DEFAULT: an in-memory store
func WithFileStore(files FileStore) Option {
	return func(o *options) {
		o.files = files
	}
}

// WithRegisterer sets where the node registers its Prometheus metrics.
// DEFAULT: a private registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithLogger sets the logger for the node.
// If the logger is nil, the node will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

package indexer

import (
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/metrics"
)

type options struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Builder or an Index.
type Option func(*options)

// WithMetrics records build and lookup activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sends the component's logs to l instead of slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func applyOptions(component string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", component)
	return o
}

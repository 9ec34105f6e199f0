package bridge

import (
	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/resource"
)

type options struct {
	logger   *zap.Logger
	metrics  *Metrics
	registry *resource.Table
}

// Option configures a Bridge.
type Option func(*options)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics enables Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRegistry uses an existing entity table instead of a fresh one.
func WithRegistry(t *resource.Table) Option {
	return func(o *options) {
		o.registry = t
	}
}

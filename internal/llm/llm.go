package llm

import (
	"context"
)

// Generator produces text for a prompt. Implementations classify failures
// with the errors package: transport problems and retryable HTTP statuses
// are retryable, everything else is fatal.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts ...Option) (string, error)
}

// Options are per-call generation settings.
type Options struct {
	System      string
	Temperature *float64
	MaxTokens   int
}

// Option configures a single Generate call.
type Option func(*Options)

// WithSystem sets the system message.
func WithSystem(system string) Option {
	return func(o *Options) { o.System = system }
}

// WithTemperature sets the sampling temperature. Without it the provider
// default is used.
func WithTemperature(t float64) Option {
	return func(o *Options) { o.Temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Options) { o.MaxTokens = n }
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, prompt string, o Options) (string, error)

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, prompt string, opts ...Option) (string, error) {
	return f(ctx, prompt, Apply(opts...))
}

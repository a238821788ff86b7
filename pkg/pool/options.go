package pool

import (
	"time"

	"github.com/isokit/procpool/pkg/types"
)

// Priority is the advisory per-method scheduling hint. Instance selection
// does not consult it; the option is carried for callers that want to
// propagate it to higher layers.
type Priority string

const (
	// PriorityLow marks background work
	PriorityLow Priority = "low"
	// PriorityNormal is the default
	PriorityNormal Priority = "normal"
	// PriorityHigh marks latency-sensitive work
	PriorityHigh Priority = "high"
)

// Default pool tuning values
const (
	// DefaultTimeout bounds a single execution attempt
	DefaultTimeout = 30 * time.Second
	// DefaultHealthCheckInterval is the health cycle period
	DefaultHealthCheckInterval = 10 * time.Second
	// DefaultAcquireTimeout bounds the wait for an available instance
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultAcquirePollInterval is the availability polling period
	DefaultAcquirePollInterval = 100 * time.Millisecond
	// DefaultRetryBackoff is the linear backoff base between attempts
	DefaultRetryBackoff = 1000 * time.Millisecond
)

// Options contains pool-level configuration for one worker class
type Options struct {
	// Name is an optional human-readable pool name
	Name string

	// MinInstances is the number of instances kept warm
	MinInstances int

	// MaxInstances bounds on-demand growth; must be >= MinInstances
	MaxInstances int

	// Timeout bounds a single execution attempt unless the method
	// overrides it
	Timeout time.Duration

	// AutoRestart applies RestartDelay before replacing evicted instances
	AutoRestart bool

	// RestartDelay is waited before spawning a replacement
	RestartDelay time.Duration

	// MaxRestartAttempts caps per-lineage replacements before the pool
	// gives up on that capacity; 0 means unlimited restarts
	MaxRestartAttempts int

	// HealthCheckInterval is the health cycle period
	HealthCheckInterval time.Duration

	// AcquireTimeout bounds the wait for an available instance
	AcquireTimeout time.Duration

	// AcquirePollInterval is the availability polling period
	AcquirePollInterval time.Duration

	// RetryBackoff is the linear backoff base between retry attempts
	RetryBackoff time.Duration

	// PingTimeout bounds health-cycle liveness probes
	PingTimeout time.Duration
}

// DefaultOptions returns pool options with production defaults
func DefaultOptions() Options {
	return Options{
		MinInstances:        1,
		MaxInstances:        4,
		Timeout:             DefaultTimeout,
		AutoRestart:         true,
		RestartDelay:        time.Second,
		MaxRestartAttempts:  5,
		HealthCheckInterval: DefaultHealthCheckInterval,
		AcquireTimeout:      DefaultAcquireTimeout,
		AcquirePollInterval: DefaultAcquirePollInterval,
		RetryBackoff:        DefaultRetryBackoff,
		PingTimeout:         5 * time.Second,
	}
}

// fillDefaults substitutes zero values with defaults. Explicitly negative
// values stay put so Validate can reject them.
func (o *Options) fillDefaults() {
	def := DefaultOptions()
	if o.MaxInstances == 0 {
		o.MaxInstances = def.MaxInstances
	}
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = def.HealthCheckInterval
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = def.AcquireTimeout
	}
	if o.AcquirePollInterval == 0 {
		o.AcquirePollInterval = def.AcquirePollInterval
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = def.PingTimeout
	}
}

// Normalize fills zero values with defaults and validates the result
func (o *Options) Normalize() error {
	o.fillDefaults()
	return o.Validate()
}

// Validate rejects inconsistent options. Configuration errors are fatal
// at construction and never retried.
func (o *Options) Validate() error {
	if o.MinInstances < 0 {
		return &types.ConfigError{Field: "MinInstances", Detail: "must be >= 0"}
	}
	if o.MaxInstances < 1 {
		return &types.ConfigError{Field: "MaxInstances", Detail: "must be >= 1"}
	}
	if o.MaxInstances < o.MinInstances {
		return &types.ConfigError{Field: "MaxInstances", Detail: "must be >= MinInstances"}
	}
	if o.Timeout <= 0 {
		return &types.ConfigError{Field: "Timeout", Detail: "must be > 0"}
	}
	if o.RestartDelay < 0 {
		return &types.ConfigError{Field: "RestartDelay", Detail: "must be >= 0"}
	}
	if o.MaxRestartAttempts < 0 {
		return &types.ConfigError{Field: "MaxRestartAttempts", Detail: "must be >= 0"}
	}
	if o.HealthCheckInterval <= 0 {
		return &types.ConfigError{Field: "HealthCheckInterval", Detail: "must be > 0"}
	}
	if o.AcquireTimeout <= 0 {
		return &types.ConfigError{Field: "AcquireTimeout", Detail: "must be > 0"}
	}
	if o.AcquirePollInterval <= 0 {
		return &types.ConfigError{Field: "AcquirePollInterval", Detail: "must be > 0"}
	}
	if o.RetryBackoff < 0 {
		return &types.ConfigError{Field: "RetryBackoff", Detail: "must be >= 0"}
	}
	return nil
}

// MethodOptions contains per-call configuration
type MethodOptions struct {
	// Timeout overrides the pool attempt timeout when > 0
	Timeout time.Duration

	// Retries is the number of additional attempts after a failure
	Retries int

	// Priority is advisory and does not reorder instance selection
	Priority Priority

	// Serialize indicates the arguments must round-trip through the wire
	// codec; carried for callers, always true on this transport
	Serialize bool
}

// DefaultMethodOptions returns per-call defaults
func DefaultMethodOptions() MethodOptions {
	return MethodOptions{
		Priority:  PriorityNormal,
		Serialize: true,
	}
}

// validate rejects inconsistent per-call options
func (o *MethodOptions) validate() error {
	if o.Retries < 0 {
		return &types.ConfigError{Field: "Retries", Detail: "must be >= 0"}
	}
	if o.Timeout < 0 {
		return &types.ConfigError{Field: "Timeout", Detail: "must be >= 0"}
	}
	return nil
}

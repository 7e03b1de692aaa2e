// Package retries builds the exponential-backoff-with-jitter policy used by
// the coordination KV client and the stream-service client. The shape
// (Config.Backoff.{InitialInterval,MaxInterval}, Config.GetCtor()) mirrors
// the teacher's own internal/old/util/retries package, referenced by
// input_kinesis.go as `retries.NewConfig()` / `rConf.GetCtor()` but not
// included in the retrieval pack, so it is rebuilt here against its
// observed call shape and against spec.md's "unbounded attempts, bounded
// max interval" retry contract.
package retries

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig configures a single retry policy.
type BackoffConfig struct {
	// InitialInterval is a duration string, e.g. "300ms".
	InitialInterval string `yaml:"initial_interval"`
	// MaxInterval is a duration string, e.g. "5s".
	MaxInterval string `yaml:"max_interval"`
	// Multiplier scales the interval on every attempt. Zero means the
	// backoff/v4 default (1.5) is used.
	Multiplier float64 `yaml:"multiplier"`
}

// Config wraps a BackoffConfig the way the teacher's retries.Config does,
// so call sites read as `rConf.Backoff.InitialInterval = "300ms"`.
type Config struct {
	Backoff BackoffConfig `yaml:"backoff"`
}

// NewConfig returns a Config with spec.md's defaults: no cap on the number
// of attempts, bounded max interval, jittered exponential backoff.
func NewConfig() Config {
	return Config{
		Backoff: BackoffConfig{
			InitialInterval: "200ms",
			MaxInterval:     "10s",
		},
	}
}

// GetCtor parses the duration strings and returns a constructor for a fresh
// backoff.BackOff, matching `k.backoffCtor, err = rConf.GetCtor()` in the
// teacher's newKinesisReaderFromConfig.
func (c Config) GetCtor() (func() backoff.BackOff, error) {
	initial, err := time.ParseDuration(c.Backoff.InitialInterval)
	if err != nil {
		return nil, err
	}
	maxInterval, err := time.ParseDuration(c.Backoff.MaxInterval)
	if err != nil {
		return nil, err
	}
	multiplier := c.Backoff.Multiplier
	if multiplier == 0 {
		multiplier = backoff.DefaultMultiplier
	}

	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.Multiplier = multiplier
		// Unbounded attempts: the core never gives up on a retriable error,
		// callers that need a deadline wrap it in a context.
		b.MaxElapsedTime = 0
		return b
	}, nil
}

package queue

import (
	"time"

	"github.com/ternarybob/dunner/internal/common"
)

// Config holds configuration for the queue manager
type Config struct {
	// PollInterval caps the idle backoff between receives
	PollInterval time.Duration

	// VisibilityTimeout is how long a received job stays leased before redelivery
	VisibilityTimeout time.Duration

	// Attempts is the default number of deliveries before a job fails
	Attempts int

	// Backoff is the default delay before a failed job is retried
	Backoff time.Duration

	// Exponential doubles the backoff on each attempt
	Exponential bool

	// MaxDeferrals bounds how often a job can be deferred without consuming an attempt
	MaxDeferrals int

	// DeferDelay is the delay applied when a worker defers a job
	DeferDelay time.Duration
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
		Attempts:          3,
		Backoff:           5 * time.Second,
		MaxDeferrals:      20,
		DeferDelay:        15 * time.Second,
	}
}

// ConfigFromSettings converts the TOML queue section into a Config
func ConfigFromSettings(settings common.QueueConfig) Config {
	defaults := NewDefaultConfig()
	config := Config{
		PollInterval:      common.ParseDuration(settings.PollInterval, defaults.PollInterval),
		VisibilityTimeout: common.ParseDuration(settings.VisibilityTimeout, defaults.VisibilityTimeout),
		Attempts:          settings.Attempts,
		Backoff:           common.ParseDuration(settings.Backoff, defaults.Backoff),
		Exponential:       settings.Exponential,
		MaxDeferrals:      settings.MaxDeferrals,
		DeferDelay:        common.ParseDuration(settings.DeferDelay, defaults.DeferDelay),
	}
	if config.Attempts <= 0 {
		config.Attempts = defaults.Attempts
	}
	if config.MaxDeferrals < 0 {
		config.MaxDeferrals = 0
	}
	return config
}

package fabric

import (
	"fmt"
	"strings"
	"time"
)

type RateLimit struct {
	// PerSecond of 0 disables limiting.
	PerSecond float64
	Burst     int
}

type Config struct {
	Workers       int           // concurrent deliveries
	DeliveryDelay time.Duration // between commit and reaction
	Jitter        time.Duration // random extra delay, up to this much
	Redeliveries  int           // extra copies of every callback
	// DedupCacheSize > 0 suppresses repeated deliveries of the same
	// (reactor, tx, log index) callback.
	DedupCacheSize int
	MaxGasLimit    uint64
	RateLimit      RateLimit
}

func DefaultConfig() Config {
	return Config{
		Workers:        8,
		DeliveryDelay:  10 * time.Millisecond,
		DedupCacheSize: 4096,
		MaxGasLimit:    3_000_000,
	}
}

func (c Config) Validate() error {
	var errs []string
	if c.Workers <= 0 {
		errs = append(errs, "workers must be positive")
	}
	if c.DeliveryDelay < 0 || c.Jitter < 0 {
		errs = append(errs, "delays must be non-negative")
	}
	if c.Redeliveries < 0 {
		errs = append(errs, "redeliveries must be non-negative")
	}
	if c.DedupCacheSize < 0 {
		errs = append(errs, "dedup cache size must be non-negative")
	}
	if c.MaxGasLimit == 0 {
		errs = append(errs, "max gas limit must be positive")
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, "rate limit must be non-negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, "rate limit burst must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid fabric config: %s", strings.Join(errs, "; "))
	}
	return nil
}

package engine

import "time"

// Config holds the liveness thresholds for the session sweeper. All values
// are operator-configurable; the defaults match the documented behavior of
// idle after 30s without a heartbeat and forced disconnect after 90s.
type Config struct {
	// IdleThreshold is how long a session may go without a heartbeat before
	// it is considered idle.
	IdleThreshold time.Duration

	// DisconnectThreshold is how long a session may go without a heartbeat
	// before it is evicted and its locks force-released.
	DisconnectThreshold time.Duration

	// SweepInterval is how often the sweeper evaluates session liveness.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard liveness thresholds.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:       30 * time.Second,
		DisconnectThreshold: 90 * time.Second,
		SweepInterval:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = d.DisconnectThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

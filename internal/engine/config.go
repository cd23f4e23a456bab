package engine

import (
	"time"

	"github.com/crewsync/server/internal/models"
)

// Status is the engine's connection state as surfaced to the UI.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusConnecting Status = "connecting"
	StatusPoor       Status = "poor"
	StatusError      Status = "error"
)

// Config tunes the sync engine. Zero values fall back to the defaults below,
// so callers only set what they need to change. Tests compress the timings.
type Config struct {
	// Identity of this device in presence records.
	DeviceName string
	User       string
	Platform   string

	// IdentityPath is the file holding the stable device id. Empty means an
	// ephemeral id that changes every start.
	IdentityPath string

	// Heartbeat cadence by connection quality. A struggling link heartbeats
	// faster so other devices see it drop out sooner.
	HeartbeatExcellent time.Duration
	HeartbeatGood      time.Duration
	HeartbeatPoor      time.Duration

	// StalenessWindow hides devices whose last heartbeat is older than this.
	StalenessWindow time.Duration
	// DeviceListLimit caps ActiveDevices, newest first.
	DeviceListLimit int

	// Flush delays by write priority. Coalesced writes to the same field
	// keep the shortest pending deadline.
	FlushDelayHigh   time.Duration
	FlushDelayNormal time.Duration
	FlushDelayLow    time.Duration
	// FlushRetryLimit bounds attempts per flush before pending writes are
	// dropped with an error event.
	FlushRetryLimit int
	// EchoGrace is how long after a flush the engine still treats its own
	// write arriving on the feed as an echo rather than a remote change.
	EchoGrace time.Duration

	// Inbound change delivery is throttled per field. CriticalFields get the
	// tighter window, everything else the relaxed one.
	InboundThrottle      time.Duration
	InboundThrottleSlack time.Duration
	CriticalFields       []string

	// Feed reconnect backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int

	// Operation lock lease length and expiry sweep cadence.
	LockTTL           time.Duration
	LockSweepInterval time.Duration

	// EventLogDepth bounds the diagnostic event tail.
	EventLogDepth int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatExcellent:   60 * time.Second,
		HeartbeatGood:        45 * time.Second,
		HeartbeatPoor:        30 * time.Second,
		StalenessWindow:      5 * time.Minute,
		DeviceListLimit:      20,
		FlushDelayHigh:       100 * time.Millisecond,
		FlushDelayNormal:     500 * time.Millisecond,
		FlushDelayLow:        time.Second,
		FlushRetryLimit:      3,
		EchoGrace:            2 * time.Second,
		InboundThrottle:      500 * time.Millisecond,
		InboundThrottleSlack: time.Second,
		CriticalFields:       []string{models.FieldTasks, models.FieldStore},
		BackoffBase:          time.Second,
		BackoffCap:           30 * time.Second,
		MaxRetries:           7,
		LockTTL:              30 * time.Second,
		LockSweepInterval:    5 * time.Second,
		EventLogDepth:        10,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HeartbeatExcellent <= 0 {
		c.HeartbeatExcellent = d.HeartbeatExcellent
	}
	if c.HeartbeatGood <= 0 {
		c.HeartbeatGood = d.HeartbeatGood
	}
	if c.HeartbeatPoor <= 0 {
		c.HeartbeatPoor = d.HeartbeatPoor
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = d.StalenessWindow
	}
	if c.DeviceListLimit <= 0 {
		c.DeviceListLimit = d.DeviceListLimit
	}
	if c.FlushDelayHigh <= 0 {
		c.FlushDelayHigh = d.FlushDelayHigh
	}
	if c.FlushDelayNormal <= 0 {
		c.FlushDelayNormal = d.FlushDelayNormal
	}
	if c.FlushDelayLow <= 0 {
		c.FlushDelayLow = d.FlushDelayLow
	}
	if c.FlushRetryLimit <= 0 {
		c.FlushRetryLimit = d.FlushRetryLimit
	}
	if c.EchoGrace <= 0 {
		c.EchoGrace = d.EchoGrace
	}
	if c.InboundThrottle <= 0 {
		c.InboundThrottle = d.InboundThrottle
	}
	if c.InboundThrottleSlack <= 0 {
		c.InboundThrottleSlack = d.InboundThrottleSlack
	}
	if c.CriticalFields == nil {
		c.CriticalFields = d.CriticalFields
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockSweepInterval <= 0 {
		c.LockSweepInterval = d.LockSweepInterval
	}
	if c.EventLogDepth <= 0 {
		c.EventLogDepth = d.EventLogDepth
	}
}

func (c Config) flushDelay(p models.Priority) time.Duration {
	switch p {
	case models.PriorityHigh:
		return c.FlushDelayHigh
	case models.PriorityLow:
		return c.FlushDelayLow
	default:
		return c.FlushDelayNormal
	}
}

func (c Config) throttleFor(field string) time.Duration {
	for _, f := range c.CriticalFields {
		if f == field {
			return c.InboundThrottle
		}
	}
	return c.InboundThrottleSlack
}

func (c Config) heartbeatFor(q models.ConnectionQuality) time.Duration {
	switch q {
	case models.QualityPoor:
		return c.HeartbeatPoor
	case models.QualityGood:
		return c.HeartbeatGood
	default:
		return c.HeartbeatExcellent
	}
}

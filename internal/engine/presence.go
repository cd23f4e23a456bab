package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/remote"
)

// presenceTracker publishes this device's heartbeat under presence/{id} and
// mirrors the presence branch of incoming snapshots so discovery is a local
// read. Heartbeat cadence tightens as connection quality drops.
type presenceTracker struct {
	store remote.Store
	cfg   Config

	deviceID string

	mu      sync.Mutex
	quality models.ConnectionQuality
	visible bool
	online  bool
	known   map[string]models.DeviceRecord

	events *eventLog
	log    *observability.Logger

	// kick wakes the heartbeat loop for an immediate publish.
	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPresenceTracker(store remote.Store, deviceID string, cfg Config, events *eventLog, log *observability.Logger) *presenceTracker {
	return &presenceTracker{
		store:    store,
		cfg:      cfg,
		deviceID: deviceID,
		quality:  models.QualityExcellent,
		visible:  true,
		online:   true,
		known:    make(map[string]models.DeviceRecord),
		events:   events,
		log:      log.WithField("component", "presence"),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (p *presenceTracker) record(now time.Time) models.DeviceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.NewDeviceRecord(
		p.deviceID, p.cfg.DeviceName, p.cfg.User, p.cfg.Platform,
		p.quality, p.visible && p.online, now,
	)
}

// publish writes the heartbeat record. Failures are logged, not retried: the
// next beat supersedes this one anyway.
func (p *presenceTracker) publish(ctx context.Context) {
	rec := p.record(time.Now())
	raw, err := json.Marshal(rec)
	if err != nil {
		p.log.Errorf("failed to encode presence record: %v", err)
		return
	}
	if err := p.store.Put(ctx, models.PresencePrefix+"/"+p.deviceID, raw); err != nil {
		p.log.Warnf("heartbeat write failed: %v", err)
	}
}

// leave publishes a final inactive record. Best effort during shutdown.
func (p *presenceTracker) leave(ctx context.Context) {
	p.mu.Lock()
	p.visible = false
	p.online = false
	p.mu.Unlock()
	p.publish(ctx)
}

func (p *presenceTracker) setQuality(q models.ConnectionQuality) {
	p.mu.Lock()
	changed := p.quality != q
	p.quality = q
	p.mu.Unlock()
	if changed {
		p.wake()
	}
}

func (p *presenceTracker) setVisible(v bool) {
	p.mu.Lock()
	p.visible = v
	p.mu.Unlock()
	p.wake()
}

func (p *presenceTracker) setOnline(v bool) {
	p.mu.Lock()
	p.online = v
	p.mu.Unlock()
	p.wake()
}

func (p *presenceTracker) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *presenceTracker) currentQuality() models.ConnectionQuality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quality
}

// updateFromSnapshot ingests the presence branch of a feed snapshot and
// emits join and leave events for devices other than this one.
func (p *presenceTracker) updateFromSnapshot(fields map[string]json.RawMessage) {
	raw, ok := fields[models.PresencePrefix]
	if !ok {
		return
	}
	var incoming map[string]models.DeviceRecord
	if err := json.Unmarshal(raw, &incoming); err != nil {
		p.log.Warnf("malformed presence branch: %v", err)
		return
	}

	now := time.Now()

	p.mu.Lock()
	prev := p.known
	p.known = incoming
	window := p.cfg.StalenessWindow
	p.mu.Unlock()

	visible := func(r models.DeviceRecord) bool {
		return r.IsActive && !r.Stale(now, window)
	}

	var joined, left []models.DeviceRecord
	for id, rec := range incoming {
		if id == p.deviceID {
			continue
		}
		if old, seen := prev[id]; !seen || (!visible(old) && visible(rec)) {
			if visible(rec) {
				joined = append(joined, rec)
			}
		}
	}
	for id, rec := range prev {
		if id == p.deviceID {
			continue
		}
		cur, still := incoming[id]
		if visible(rec) && (!still || !visible(cur)) {
			left = append(left, rec)
		}
	}

	for _, rec := range joined {
		p.events.append(models.NewSyncEvent(models.EventDeviceJoin, "", rec.DisplayName+" joined"))
	}
	for _, rec := range left {
		p.events.append(models.NewSyncEvent(models.EventDeviceLeave, "", rec.DisplayName+" left"))
	}
}

// activeDevices returns the visible devices, newest heartbeat first, capped
// at the configured limit. This device's own record is included when the
// remote store has seen it.
func (p *presenceTracker) activeDevices() []models.DeviceRecord {
	now := time.Now()

	p.mu.Lock()
	out := make([]models.DeviceRecord, 0, len(p.known))
	for _, rec := range p.known {
		if rec.IsActive && !rec.Stale(now, p.cfg.StalenessWindow) {
			out = append(out, rec)
		}
	}
	limit := p.cfg.DeviceListLimit
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// displayName resolves a device id against the latest presence snapshot.
func (p *presenceTracker) displayName(deviceID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.known[deviceID]; ok {
		return rec.DisplayName
	}
	return ""
}

// run heartbeats until stopped. The wait recomputes every beat so a quality
// change takes effect on the next cycle, and a wake publishes immediately.
func (p *presenceTracker) run() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		for {
			interval := p.cfg.heartbeatFor(p.currentQuality())
			timer := time.NewTimer(interval)

			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-p.kick:
				timer.Stop()
			case <-timer.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			p.publish(ctx)
			cancel()
		}
	}()
}

func (p *presenceTracker) shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

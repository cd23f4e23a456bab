package engine

import (
	"context"
	"sync"
	"time"

	"github.com/crewsync/server/internal/coordination"
	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
)

// lockManager layers lease semantics over the coordination store: claims
// expire on their own, and a background sweep clears rows left behind by
// crashed owners.
type lockManager struct {
	store    coordination.Store
	deviceID string
	ttl      time.Duration
	sweep    time.Duration

	// resolveName maps a holder's device id to a display name for warnings.
	resolveName func(string) string

	events *eventLog
	log    *observability.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLockManager(store coordination.Store, deviceID string, ttl, sweep time.Duration, resolveName func(string) string, events *eventLog, log *observability.Logger) *lockManager {
	return &lockManager{
		store:       store,
		deviceID:    deviceID,
		ttl:         ttl,
		sweep:       sweep,
		resolveName: resolveName,
		events:      events,
		log:         log.WithField("component", "locks"),
		stop:        make(chan struct{}),
	}
}

// acquire claims key for this caller for the given lease, falling back to
// the configured TTL when lease is zero. Any live lease blocks, this
// device's own included: two tabs of one device are separate callers and
// exactly one of them may proceed. When denied, the returned holder names
// the blocking device.
func (m *lockManager) acquire(ctx context.Context, key, opType string, lease time.Duration) (bool, string, error) {
	if lease <= 0 {
		lease = m.ttl
	}
	now := time.Now()

	locks, err := m.store.List(ctx)
	if err != nil {
		return false, "", err
	}
	for _, l := range locks {
		if l.Key == key && !l.Expired(now) {
			holder := m.holderName(l.OwnerDeviceID)
			m.log.Warnf("operation %s on %s blocked, lock held by %s", opType, key, holder)
			return false, holder, nil
		}
	}

	ok, err := m.store.Acquire(ctx, models.PendingLock{
		Key:           key,
		OwnerDeviceID: m.deviceID,
		OpType:        opType,
		CreatedAt:     now,
		ExpiresAt:     now.Add(lease),
	})
	if err != nil {
		return false, "", err
	}
	if !ok {
		// lost the race after the pre-check
		holder := ""
		if locks, err := m.store.List(ctx); err == nil {
			for _, l := range locks {
				if l.Key == key && !l.Expired(time.Now()) {
					holder = m.holderName(l.OwnerDeviceID)
				}
			}
		}
		return false, holder, nil
	}

	m.log.Debugf("acquired lock %s for %s", key, opType)
	return true, "", nil
}

func (m *lockManager) release(ctx context.Context, key string) error {
	return m.store.Release(ctx, key, m.deviceID)
}

func (m *lockManager) holderName(deviceID string) string {
	if m.resolveName != nil {
		if name := m.resolveName(deviceID); name != "" {
			return name
		}
	}
	return deviceID
}

// run sweeps expired leases until stopped.
func (m *lockManager) run() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.sweep)
				removed, err := m.store.DeleteExpired(ctx, time.Now())
				cancel()
				if err != nil {
					m.log.Warnf("lock sweep failed: %v", err)
					continue
				}
				for _, l := range removed {
					m.log.Infof("reclaimed expired lock %s held by %s", l.Key, l.OwnerDeviceID)
				}
			}
		}
	}()
}

func (m *lockManager) shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

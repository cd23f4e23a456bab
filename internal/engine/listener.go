package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crewsync/server/internal/checksum"
	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/remote"
)

type fieldHandler struct {
	id int
	fn func(json.RawMessage)
}

// throttleGate holds inbound deliveries for one field until its window
// closes, so a burst of rapid remote writes collapses into a single callback
// carrying the latest value.
type throttleGate struct {
	timer      *time.Timer
	pendingVal json.RawMessage
	pendingSum string
}

// listener consumes the remote change feed, filters out echoes of this
// device's own writes, and hands remote changes to registered field
// handlers. It owns the reconnect loop and drives connection status.
type listener struct {
	store    remote.Store
	state    *fieldState
	presence *presenceTracker
	cfg      Config

	setStatus func(Status)

	mu       sync.Mutex
	nextID   int
	handlers map[string][]fieldHandler
	gates    map[string]*throttleGate

	events *eventLog
	log    *observability.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newListener(store remote.Store, state *fieldState, presence *presenceTracker, cfg Config, setStatus func(Status), events *eventLog, log *observability.Logger) *listener {
	return &listener{
		store:     store,
		state:     state,
		presence:  presence,
		cfg:       cfg,
		setStatus: setStatus,
		handlers:  make(map[string][]fieldHandler),
		gates:     make(map[string]*throttleGate),
		events:    events,
		log:       log.WithField("component", "listener"),
		stop:      make(chan struct{}),
	}
}

// register adds a change handler for field and returns its id.
func (l *listener) register(field string, fn func(json.RawMessage)) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.handlers[field] = append(l.handlers[field], fieldHandler{id: l.nextID, fn: fn})
	return l.nextID
}

func (l *listener) unregister(field string, id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.handlers[field]
	for i, h := range hs {
		if h.id == id {
			l.handlers[field] = append(hs[:i], hs[i+1:]...)
			return
		}
	}
}

func (l *listener) subscribedFields() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.handlers))
	for field, hs := range l.handlers {
		if len(hs) > 0 {
			out = append(out, field)
		}
	}
	return out
}

// run keeps a feed subscription alive until stopped. Repeated failures
// degrade status to poor and ultimately to error once the retry limit is
// spent; the first snapshot after a reconnect restores connected.
func (l *listener) run() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		attempt := 0
		for {
			select {
			case <-l.stop:
				return
			default:
			}

			l.setStatus(StatusConnecting)

			ctx, cancel := context.WithCancel(context.Background())
			sub, err := l.store.Subscribe(ctx)
			if err != nil {
				cancel()
				attempt++
				if remote.IsPermanent(err) || attempt > l.cfg.MaxRetries {
					l.fail(err)
					return
				}
				l.degrade()
				if !l.sleep(l.backoffDelay(attempt)) {
					return
				}
				continue
			}

			// closes the subscription when the engine shuts down
			watchDone := make(chan struct{})
			go func() {
				select {
				case <-l.stop:
					sub.Close()
				case <-watchDone:
				}
			}()

			first := true
			for snap := range sub.Snapshots() {
				if first {
					first = false
					attempt = 0
					l.presence.setQuality(models.QualityExcellent)
					l.setStatus(StatusConnected)
				}
				l.handleSnapshot(snap)
			}
			close(watchDone)
			cancel()

			select {
			case <-l.stop:
				return
			default:
			}

			err = sub.Err()
			attempt++
			if attempt > l.cfg.MaxRetries {
				l.fail(err)
				return
			}
			l.log.Warnf("feed dropped (attempt %d): %v", attempt, err)
			l.degrade()
			if !l.sleep(l.backoffDelay(attempt)) {
				return
			}
		}
	}()
}

func (l *listener) degrade() {
	l.presence.setQuality(models.QualityPoor)
	l.setStatus(StatusPoor)
}

func (l *listener) fail(err error) {
	msg := "change feed unavailable"
	if err != nil {
		msg += ": " + err.Error()
	}
	l.events.append(models.NewSyncEvent(models.EventError, "", msg))
	l.setStatus(StatusError)
	l.log.Errorf("giving up on change feed: %v", err)
}

func (l *listener) backoffDelay(attempt int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= l.cfg.BackoffCap {
			return l.cfg.BackoffCap
		}
	}
	return d
}

func (l *listener) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.stop:
		return false
	case <-timer.C:
		return true
	}
}

// handleSnapshot processes one full-tree snapshot: presence first, then each
// data field. Unchanged fields and echoes of this device's own writes are
// dropped; real changes go through the per-field throttle.
func (l *listener) handleSnapshot(snap remote.Snapshot) {
	l.presence.updateFromSnapshot(snap.Fields)

	now := time.Now()
	for field, raw := range snap.Fields {
		if field == models.PresencePrefix {
			continue
		}

		sum, err := checksum.Sum(raw)
		if err != nil {
			// One bad field must not poison the rest of the snapshot.
			l.log.Warnf("skipping malformed payload for %s: %v", field, err)
			continue
		}
		if sum == l.state.lastGoodSum(field) {
			continue
		}
		if l.state.isEcho(field, sum, now) {
			l.state.setLastGood(field, sum)
			continue
		}
		l.deliverThrottled(field, raw, sum)
	}
}

func (l *listener) deliverThrottled(field string, raw json.RawMessage, sum string) {
	l.mu.Lock()
	gate, ok := l.gates[field]
	if !ok {
		gate = &throttleGate{}
		l.gates[field] = gate
	}

	gate.pendingVal = raw
	gate.pendingSum = sum
	if gate.timer == nil {
		gate.timer = time.AfterFunc(l.cfg.throttleFor(field), func() { l.flushGate(field) })
	}
	l.mu.Unlock()
}

func (l *listener) flushGate(field string) {
	l.mu.Lock()
	gate := l.gates[field]
	if gate == nil || gate.pendingVal == nil {
		if gate != nil {
			gate.timer = nil
		}
		l.mu.Unlock()
		return
	}
	raw, sum := gate.pendingVal, gate.pendingSum
	gate.pendingVal, gate.pendingSum = nil, ""
	gate.timer = nil
	l.mu.Unlock()

	l.deliver(field, raw, sum)
}

func (l *listener) deliver(field string, raw json.RawMessage, sum string) {
	l.state.setLastGood(field, sum)

	l.mu.Lock()
	hs := make([]fieldHandler, len(l.handlers[field]))
	copy(hs, l.handlers[field])
	l.mu.Unlock()

	for _, h := range hs {
		h.fn(raw)
	}
	l.events.append(models.NewSyncEvent(models.EventDataUpdate, field, "remote update"))
}

// reconcile re-reads every subscribed field and delivers anything that
// drifted while the feed was quiet, for example after the app comes back to
// the foreground.
func (l *listener) reconcile(ctx context.Context) error {
	var drifted int
	for _, field := range l.subscribedFields() {
		raw, err := l.store.Get(ctx, field)
		if err != nil {
			return err
		}
		sum, err := checksum.Sum(raw)
		if err != nil {
			l.log.Warnf("skipping malformed payload for %s: %v", field, err)
			continue
		}
		if sum == "" || sum == l.state.lastGoodSum(field) {
			continue
		}
		drifted++
		l.deliver(field, raw, sum)
	}
	if drifted > 0 {
		l.events.append(models.NewSyncEvent(models.EventFullSync, "",
			"reconciled after idle"))
	}
	return nil
}

func (l *listener) shutdown() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	l.mu.Lock()
	for _, gate := range l.gates {
		if gate.timer != nil {
			gate.timer.Stop()
			gate.timer = nil
		}
	}
	l.mu.Unlock()
}

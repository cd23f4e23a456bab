package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/remote"
)

func presenceFields(t *testing.T, records map[string]models.DeviceRecord) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	return map[string]json.RawMessage{models.PresencePrefix: raw}
}

func newTestTracker(t *testing.T, cfg Config) (*presenceTracker, *eventLog) {
	t.Helper()
	events := newEventLog(cfg.EventLogDepth)
	p := newPresenceTracker(remote.NewMemoryStore(), "device_self", cfg, events, observability.GetLogger())
	return p, events
}

func TestPresence_ActiveDevicesFiltersStaleAndInactive(t *testing.T) {
	cfg := testConfig()
	p, _ := newTestTracker(t, cfg)

	now := time.Now()
	p.updateFromSnapshot(presenceFields(t, map[string]models.DeviceRecord{
		"fresh": models.NewDeviceRecord("fresh", "Kitchen iPad", "sam", "ios", models.QualityGood, true, now),
		"stale": models.NewDeviceRecord("stale", "Old Till", "sam", "web", models.QualityGood, true, now.Add(-2*cfg.StalenessWindow)),
		"idle":  models.NewDeviceRecord("idle", "Back Office", "kim", "web", models.QualityGood, false, now),
	}))

	devices := p.activeDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "fresh", devices[0].ID)
}

func TestPresence_ActiveDevicesSortedAndCapped(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceListLimit = 3
	p, _ := newTestTracker(t, cfg)

	now := time.Now()
	records := make(map[string]models.DeviceRecord)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		records[id] = models.NewDeviceRecord(id, "Device "+id, "sam", "web",
			models.QualityExcellent, true, now.Add(-time.Duration(i)*time.Second))
	}
	p.updateFromSnapshot(presenceFields(t, records))

	devices := p.activeDevices()
	require.Len(t, devices, 3)
	assert.Equal(t, "a", devices[0].ID, "newest heartbeat first")
	assert.Equal(t, "b", devices[1].ID)
	assert.Equal(t, "c", devices[2].ID)
}

func TestPresence_JoinAndLeaveEvents(t *testing.T) {
	cfg := testConfig()
	p, events := newTestTracker(t, cfg)

	now := time.Now()
	p.updateFromSnapshot(presenceFields(t, map[string]models.DeviceRecord{
		"peer": models.NewDeviceRecord("peer", "Kitchen iPad", "sam", "ios", models.QualityGood, true, now),
		// own record never produces events
		"device_self": models.NewDeviceRecord("device_self", "Front Register", "dana", "test", models.QualityGood, true, now),
	}))

	list := events.list()
	require.Len(t, list, 1)
	assert.Equal(t, models.EventDeviceJoin, list[0].Type)

	p.updateFromSnapshot(presenceFields(t, map[string]models.DeviceRecord{
		"peer":        models.NewDeviceRecord("peer", "Kitchen iPad", "sam", "ios", models.QualityGood, false, now),
		"device_self": models.NewDeviceRecord("device_self", "Front Register", "dana", "test", models.QualityGood, true, now),
	}))

	list = events.list()
	require.Len(t, list, 2)
	assert.Equal(t, models.EventDeviceLeave, list[1].Type)
}

func TestPresence_PublishWritesHeartbeatRecord(t *testing.T) {
	cfg := testConfig()
	store := remote.NewMemoryStore()
	events := newEventLog(cfg.EventLogDepth)
	p := newPresenceTracker(store, "device_self", cfg, events, observability.GetLogger())

	p.publish(context.Background())

	raw, err := store.Get(context.Background(), models.PresencePrefix+"/device_self")
	require.NoError(t, err)

	var rec models.DeviceRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "device_self", rec.ID)
	assert.Equal(t, "Front Register", rec.DisplayName)
	assert.True(t, rec.IsActive)
	assert.Equal(t, models.ProtocolVersion, rec.ProtocolVersion)
}

func TestPresence_LeaveMarksInactive(t *testing.T) {
	cfg := testConfig()
	store := remote.NewMemoryStore()
	p := newPresenceTracker(store, "device_self", cfg, newEventLog(cfg.EventLogDepth), observability.GetLogger())

	p.publish(context.Background())
	p.leave(context.Background())

	raw, err := store.Get(context.Background(), models.PresencePrefix+"/device_self")
	require.NoError(t, err)

	var rec models.DeviceRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.False(t, rec.IsActive)
}

package models

import (
	"strings"
	"time"
)

// ConnectionQuality describes how healthy a device's link to the remote
// store currently looks.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
)

// ProtocolVersion is bumped when the presence record shape changes.
const ProtocolVersion = 2

// DeviceRecord is the heartbeat record a device publishes under
// presence/{id}. Records are never deleted; readers filter by staleness.
type DeviceRecord struct {
	ID                string            `json:"id"`
	DisplayName       string            `json:"displayName"`
	User              string            `json:"user"`
	Platform          string            `json:"platform"`
	LastSeen          int64             `json:"lastSeen"` // unix milliseconds
	IsActive          bool              `json:"isActive"`
	ConnectionQuality ConnectionQuality `json:"connectionQuality"`
	ProtocolVersion   int               `json:"protocolVersion"`
}

// LastSeenTime returns LastSeen as a time.Time.
func (d DeviceRecord) LastSeenTime() time.Time {
	return time.UnixMilli(d.LastSeen)
}

// Stale reports whether the record is older than the staleness window.
// A stale record is invisible to discovery even if IsActive is still set.
func (d DeviceRecord) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(d.LastSeenTime()) >= window
}

// NewDeviceRecord builds a presence record for this device.
func NewDeviceRecord(id, displayName, user, platform string, quality ConnectionQuality, active bool, now time.Time) DeviceRecord {
	return DeviceRecord{
		ID:                id,
		DisplayName:       strings.TrimSpace(displayName),
		User:              strings.TrimSpace(user),
		Platform:          strings.TrimSpace(platform),
		LastSeen:          now.UnixMilli(),
		IsActive:          active,
		ConnectionQuality: quality,
		ProtocolVersion:   ProtocolVersion,
	}
}

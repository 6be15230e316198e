package types

import (
	"strconv"
	"time"
)

// Sample represents a single persisted heart-rate reading
type Sample struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"heart_rate"`
}

// SampleKey returns the second-granularity key a reading taken at t is stored under
func SampleKey(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// DataType identifies a streamable sensor data type
type DataType string

const (
	// HeartRateBPM is the heart rate in beats per minute
	HeartRateBPM DataType = "HEART_RATE_BPM"
)

// Availability is the coarse state reported by a sensor feed
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityAvailable
	AvailabilityUnavailable
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "available"
	case AvailabilityUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// DataPoint is one timestamped value delivered by a sensor feed
type DataPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Capability is the resolved state of a capability query
type Capability int

const (
	CapabilityPending Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "pending"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Reading is what a renderer consumes once per draw
type Reading struct {
	Live               float64      `json:"live"`
	Last               float64      `json:"last"`
	HasLast            bool         `json:"has_last"`
	PermissionRequired bool         `json:"permission_required"`
	Capability         Capability   `json:"capability"`
	Availability       Availability `json:"availability"`
	SessionID          string       `json:"session_id,omitempty"`
	At                 time.Time    `json:"at"`
}

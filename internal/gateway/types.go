package gateway

import (
	"fmt"
	"math"
	"time"
)

// SensorWearDays is the vendor sensor's rated wear life.
const SensorWearDays = 14

// SensorState is the sensor lifecycle state derived from the vendor status
// code.
type SensorState string

const (
	SensorWarmingUp SensorState = "warming_up"
	SensorActive    SensorState = "active"
	SensorExpired   SensorState = "expired"
	SensorEnded     SensorState = "ended"
	SensorError     SensorState = "error"
	SensorUnknown   SensorState = "unknown"
)

// sensorStateFromCode maps a vendor status code to a lifecycle state.
// Unmapped codes produce a labeled unknown state rather than failing.
func sensorStateFromCode(code int) SensorState {
	switch code {
	case 1:
		return SensorWarmingUp
	case 2:
		return SensorActive
	case 3:
		return SensorExpired
	case 4:
		return SensorEnded
	case 5:
		return SensorError
	default:
		return SensorState(fmt.Sprintf("unknown, code=%d", code))
	}
}

// SensorInfo is derived sensor metadata, recomputed on every poll.
type SensorInfo struct {
	Serial    string      `json:"serial"`
	StartDate time.Time   `json:"startDate"`
	EndDate   time.Time   `json:"endDate"`
	DaysLeft  int         `json:"daysLeft"`
	State     SensorState `json:"state"`
}

// wearLife computes the sensor end date and remaining wear days from the
// activation epoch. DaysLeft is always within [0, SensorWearDays].
func wearLife(start, now time.Time) (time.Time, int) {
	end := start.Add(SensorWearDays * 24 * time.Hour)
	daysLeft := int(math.Ceil(end.Sub(now).Hours() / 24))
	if daysLeft < 0 {
		daysLeft = 0
	}
	if daysLeft > SensorWearDays {
		daysLeft = SensorWearDays
	}
	return end, daysLeft
}

// Reading is the canonical normalized form of one vendor glucose sample.
type Reading struct {
	Value      float64     `json:"value,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	TrendArrow int         `json:"trendArrow,omitempty"`
	Sensor     *SensorInfo `json:"sensor,omitempty"`
}

// Empty reports whether the reading carries no measurement.
func (r Reading) Empty() bool {
	return r.Timestamp.IsZero()
}

// LoginResult carries the vendor context extracted from a successful login.
// AccountHash is a one-way hash of the vendor user id; the raw id is never
// kept.
type LoginResult struct {
	Token       string
	AccountHash string
}

package gateway

import (
	"time"
)

// Vendor payload shapes. Field names vary between vendor app versions, so
// each logical field carries its known aliases and normalization picks the
// first populated one.

type vendorMeasurement struct {
	Value            float64 `json:"Value"`
	ValueInMgPerDl   float64 `json:"ValueInMgPerDl"`
	Timestamp        string  `json:"Timestamp"`
	FactoryTimestamp string  `json:"FactoryTimestamp"`
	TrendArrow       int     `json:"TrendArrow"`
	TrendArrowCode   int     `json:"TrendArrowCode"`
}

type vendorSensor struct {
	DeviceID        string `json:"deviceId"`
	Serial          string `json:"sn"`
	Activation      int64  `json:"a"`
	ActivationEpoch int64  `json:"activation"`
	State           int    `json:"pt"`
	StateCode       int    `json:"state"`
}

type vendorConnection struct {
	PatientID          string             `json:"patientId"`
	Status             int                `json:"status"`
	GlucoseMeasurement *vendorMeasurement `json:"glucoseMeasurement"`
	Sensor             *vendorSensor      `json:"sensor"`
}

// connectionPending is the vendor status for an invite that has not been
// accepted yet; such connections carry no usable data.
const connectionPending = 1

// vendorTimeLayouts are the timestamp formats observed in vendor payloads.
var vendorTimeLayouts = []string{
	"1/2/2006 3:04:05 PM",
	time.RFC3339,
}

func parseVendorTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range vendorTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// pickConnection selects the first non-pending connection, falling back to
// the first entry when every connection is pending.
func pickConnection(conns []vendorConnection) *vendorConnection {
	if len(conns) == 0 {
		return nil
	}
	for i := range conns {
		if conns[i].Status != connectionPending {
			return &conns[i]
		}
	}
	return &conns[0]
}

// normalizeMeasurement converts a vendor measurement into the canonical
// Reading shape. A nil or unparsable measurement yields an empty Reading.
func normalizeMeasurement(m *vendorMeasurement) Reading {
	if m == nil {
		return Reading{}
	}

	ts, ok := parseVendorTime(m.FactoryTimestamp)
	if !ok {
		ts, ok = parseVendorTime(m.Timestamp)
	}
	if !ok {
		return Reading{}
	}

	value := m.ValueInMgPerDl
	if value == 0 {
		value = m.Value
	}

	trend := m.TrendArrow
	if trend == 0 {
		trend = m.TrendArrowCode
	}
	if trend < 1 || trend > 5 {
		trend = 0
	}

	return Reading{
		Value:      value,
		Timestamp:  ts,
		TrendArrow: trend,
	}
}

// normalizeSensor derives SensorInfo from vendor sensor metadata.
func normalizeSensor(s *vendorSensor, now time.Time) *SensorInfo {
	if s == nil {
		return nil
	}

	activation := s.Activation
	if activation == 0 {
		activation = s.ActivationEpoch
	}
	if activation == 0 {
		return nil
	}

	start := time.Unix(activation, 0).UTC()
	end, daysLeft := wearLife(start, now)

	serial := s.Serial
	if serial == "" {
		serial = s.DeviceID
	}

	state := s.State
	if state == 0 {
		state = s.StateCode
	}

	return &SensorInfo{
		Serial:    serial,
		StartDate: start,
		EndDate:   end,
		DaysLeft:  daysLeft,
		State:     sensorStateFromCode(state),
	}
}

// latestMeasurement returns the most recent entry of a graph series by
// timestamp.
func latestMeasurement(series []vendorMeasurement, sensor *SensorInfo) Reading {
	best := Reading{}
	for i := range series {
		r := normalizeMeasurement(&series[i])
		if r.Empty() {
			continue
		}
		if best.Empty() || r.Timestamp.After(best.Timestamp) {
			best = r
		}
	}
	if !best.Empty() {
		best.Sensor = sensor
	}
	return best
}

package gateway

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"
)

func TestParseVendorTimeLayouts(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"6/1/2024 1:30:05 PM", time.Date(2024, 6, 1, 13, 30, 5, 0, time.UTC)},
		{"2024-06-01T13:30:05Z", time.Date(2024, 6, 1, 13, 30, 5, 0, time.UTC)},
	}

	for _, tc := range cases {
		got, ok := parseVendorTime(tc.in)
		if !ok {
			t.Fatalf("failed to parse %q", tc.in)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("parse %q: got %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, ok := parseVendorTime(""); ok {
		t.Fatal("empty string should not parse")
	}
	if _, ok := parseVendorTime("not a time"); ok {
		t.Fatal("garbage should not parse")
	}
}

func TestNormalizeMeasurementAliases(t *testing.T) {
	// Newer payloads carry ValueInMgPerDl and FactoryTimestamp.
	r := normalizeMeasurement(&vendorMeasurement{
		ValueInMgPerDl:   112,
		FactoryTimestamp: "6/1/2024 1:30:05 PM",
		TrendArrow:       3,
	})
	if r.Value != 112 {
		t.Fatalf("expected value 112, got %v", r.Value)
	}
	if r.TrendArrow != 3 {
		t.Fatalf("expected trend 3, got %d", r.TrendArrow)
	}

	// Older payloads only carry Value and Timestamp.
	r = normalizeMeasurement(&vendorMeasurement{
		Value:     98,
		Timestamp: "2024-06-01T13:30:05Z",
	})
	if r.Value != 98 {
		t.Fatalf("expected value 98, got %v", r.Value)
	}
	if r.Empty() {
		t.Fatal("reading should not be empty")
	}

	// Some app versions spell the trend field TrendArrowCode.
	var m vendorMeasurement
	payload := `{"Value":105,"Timestamp":"2024-06-01T13:30:05Z","TrendArrowCode":3}`
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatalf("failed to unmarshal measurement: %v", err)
	}
	r = normalizeMeasurement(&m)
	if r.TrendArrow != 3 {
		t.Fatalf("TrendArrowCode alias: expected trend 3, got %d", r.TrendArrow)
	}
}

func TestNormalizeMeasurementBounds(t *testing.T) {
	r := normalizeMeasurement(nil)
	if !r.Empty() {
		t.Fatal("nil measurement should normalize to empty reading")
	}

	r = normalizeMeasurement(&vendorMeasurement{Value: 100})
	if !r.Empty() {
		t.Fatal("measurement without a timestamp should be empty")
	}

	// Trend arrows outside 1..5 are dropped, not clamped.
	r = normalizeMeasurement(&vendorMeasurement{
		Value:      100,
		Timestamp:  "2024-06-01T13:30:05Z",
		TrendArrow: 9,
	})
	if r.TrendArrow != 0 {
		t.Fatalf("expected trend arrow dropped, got %d", r.TrendArrow)
	}
}

func TestPickConnection(t *testing.T) {
	if pickConnection(nil) != nil {
		t.Fatal("no connections should yield nil")
	}

	conns := []vendorConnection{
		{PatientID: "p1", Status: connectionPending},
		{PatientID: "p2", Status: 2},
	}
	if got := pickConnection(conns); got.PatientID != "p2" {
		t.Fatalf("expected first non-pending connection, got %s", got.PatientID)
	}

	allPending := []vendorConnection{
		{PatientID: "p1", Status: connectionPending},
		{PatientID: "p2", Status: connectionPending},
	}
	if got := pickConnection(allPending); got.PatientID != "p1" {
		t.Fatalf("expected first entry fallback, got %s", got.PatientID)
	}
}

func TestNormalizeSensorWearLife(t *testing.T) {
	now := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	start := now.Add(-10 * 24 * time.Hour)

	info := normalizeSensor(&vendorSensor{
		Serial:     "ABC123",
		Activation: start.Unix(),
		State:      2,
	}, now)

	if info.DaysLeft != 4 {
		t.Fatalf("activation 10 days ago: expected 4 days left, got %d", info.DaysLeft)
	}
	if info.State != SensorActive {
		t.Fatalf("expected active state, got %s", info.State)
	}
	if !info.EndDate.Equal(start.Add(14 * 24 * time.Hour)) {
		t.Fatalf("unexpected end date: %v", info.EndDate)
	}
}

func TestNormalizeSensorAliases(t *testing.T) {
	now := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	start := now.Add(-2 * 24 * time.Hour)

	// Some app versions spell activation/state instead of a/pt.
	var s vendorSensor
	raw := []byte(`{"sn":"XYZ789","activation":` + strconv.FormatInt(start.Unix(), 10) + `,"state":2}`)
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("failed to unmarshal sensor: %v", err)
	}

	info := normalizeSensor(&s, now)
	if info == nil {
		t.Fatal("aliased sensor fields should still normalize")
	}
	if info.Serial != "XYZ789" {
		t.Fatalf("unexpected serial: %s", info.Serial)
	}
	if info.State != SensorActive {
		t.Fatalf("state alias: expected active, got %s", info.State)
	}
	if !info.StartDate.Equal(start) {
		t.Fatalf("activation alias: got start %v, want %v", info.StartDate, start)
	}
}

func TestWearLifeBounds(t *testing.T) {
	now := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)

	// Any activation epoch keeps daysLeft within [0, 14].
	offsets := []time.Duration{
		0,
		-30 * 24 * time.Hour,
		-14 * 24 * time.Hour,
		-13*24*time.Hour - time.Hour,
		24 * time.Hour, // clock skew: activation in the future
	}
	for _, offset := range offsets {
		_, daysLeft := wearLife(now.Add(offset), now)
		if daysLeft < 0 || daysLeft > SensorWearDays {
			t.Fatalf("offset %v: daysLeft %d out of bounds", offset, daysLeft)
		}
	}

	_, daysLeft := wearLife(now.Add(-30*24*time.Hour), now)
	if daysLeft != 0 {
		t.Fatalf("long-dead sensor should have 0 days left, got %d", daysLeft)
	}
}

func TestSensorStateFromCode(t *testing.T) {
	cases := map[int]SensorState{
		1: SensorWarmingUp,
		2: SensorActive,
		3: SensorExpired,
		4: SensorEnded,
		5: SensorError,
	}
	for code, want := range cases {
		if got := sensorStateFromCode(code); got != want {
			t.Fatalf("code %d: got %s, want %s", code, got, want)
		}
	}

	if got := sensorStateFromCode(42); got != "unknown, code=42" {
		t.Fatalf("unmapped code should be labeled, got %s", got)
	}
}

func TestLatestMeasurement(t *testing.T) {
	series := []vendorMeasurement{
		{Value: 100, Timestamp: "2024-06-01T13:00:00Z"},
		{Value: 120, Timestamp: "2024-06-01T13:30:00Z"},
		{Value: 110, Timestamp: "2024-06-01T13:15:00Z"},
	}

	r := latestMeasurement(series, nil)
	if r.Value != 120 {
		t.Fatalf("expected newest entry value 120, got %v", r.Value)
	}

	if !latestMeasurement(nil, nil).Empty() {
		t.Fatal("empty series should yield empty reading")
	}
}

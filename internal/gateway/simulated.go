package gateway

import (
	"context"
	"math"
	"time"

	"github.com/sugarmesh/glucolink/internal/storage"
)

// SimulatedReader produces synthetic readings so the client stays usable
// when the vendor is unreachable and the fallback policy is enabled. It
// satisfies the same reader contract as Client.
type SimulatedReader struct {
	start time.Time
	now   func() time.Time
}

// NewSimulatedReader creates a simulated reading source. The synthetic
// sensor's activation epoch is fixed at construction time.
func NewSimulatedReader() *SimulatedReader {
	now := time.Now().UTC()
	return &SimulatedReader{
		start: now.Add(-48 * time.Hour),
		now:   time.Now,
	}
}

// ReadLatest returns a synthetic reading oscillating around 110 mg/dL over a
// two-hour period. The timestamp is truncated to the minute so repeated
// polls inside one minute de-duplicate like real vendor data.
func (s *SimulatedReader) ReadLatest(ctx context.Context, session *storage.SessionRecord) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	now := s.now().UTC()
	phase := 2 * math.Pi * float64(now.Unix()%7200) / 7200
	value := math.Round(110 + 25*math.Sin(phase))

	trend := 3
	if deriv := math.Cos(phase); deriv > 0.3 {
		trend = 4
	} else if deriv < -0.3 {
		trend = 2
	}

	end, daysLeft := wearLife(s.start, now)

	return Reading{
		Value:      value,
		Timestamp:  now.Truncate(time.Minute),
		TrendArrow: trend,
		Sensor: &SensorInfo{
			Serial:    "SIMULATED",
			StartDate: s.start,
			EndDate:   end,
			DaysLeft:  daysLeft,
			State:     SensorActive,
		},
	}, nil
}

package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntryKind discriminates log entry variants.
type EntryKind string

const (
	// EntryKindCGM is an automatically ingested sensor reading.
	EntryKindCGM EntryKind = "cgm"
	// EntryKindManual is a user-recorded blood sugar measurement.
	EntryKindManual EntryKind = "manual"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the kind to lowercase.
func (k *EntryKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := EntryKind(strings.ToLower(s))

	switch normalized {
	case EntryKindCGM, EntryKindManual:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid entry kind: %s (must be cgm or manual)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure lowercase output.
func (k EntryKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// SessionRecord holds the vendor context behind an opaque session id.
// Records are immutable once created; expiry is detected by the gateway
// (vendor 401), never written back into the record.
type SessionRecord struct {
	ID            string    `json:"id"`
	ProfileID     string    `json:"profile_id"`
	VendorToken   string    `json:"vendor_token"`
	AccountHash   string    `json:"account_hash"`
	Region        string    `json:"region"`
	ClientVersion string    `json:"client_version"`
	BaseURL       string    `json:"base_url"`
	CreatedAt     time.Time `json:"created_at"`
}

// LogEntry is one glucose log record. The sync engine only ever constructs
// the cgm variant; manual entries are written by the log-entry surface and
// merely pass through this subsystem untouched.
type LogEntry struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"profile_id"`
	Kind       EntryKind `json:"kind"`
	Value      float64   `json:"value"`
	TrendArrow int       `json:"trend_arrow,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

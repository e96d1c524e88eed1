package location

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func ptr(v float64) *float64 { return &v }

func TestPositionValidate(t *testing.T) {
	cases := []struct {
		name string
		pos  Position
		ok   bool
	}{
		{"valid", Position{Lat: 40.7, Lng: -74, Accuracy: 5}, true},
		{"valid with heading", Position{Lat: 0, Lng: 0, Heading: ptr(359.9), Speed: ptr(3)}, true},
		{"lat too high", Position{Lat: 90.1, Lng: 0}, false},
		{"lng too low", Position{Lat: 0, Lng: -180.5}, false},
		{"nan lat", Position{Lat: math.NaN(), Lng: 0}, false},
		{"negative accuracy", Position{Lat: 0, Lng: 0, Accuracy: -1}, false},
		{"negative speed", Position{Lat: 0, Lng: 0, Speed: ptr(-0.1)}, false},
		{"heading 360", Position{Lat: 0, Lng: 0, Heading: ptr(360)}, false},
	}
	for _, tc := range cases {
		err := tc.pos.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestPointWireFormat(t *testing.T) {
	p := Point{
		PointID:   "4b0c2f8e-4a0a-4a55-9a8e-3c1a2a7c9d10",
		SessionID: "2f8f1b7e-9c3d-4d6b-8d2e-8a6f0b1c2d3e",
		Timestamp: time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC),
		Lat:       -6.2,
		Lng:       106.8,
		Accuracy:  ptr(4.5),
		Provider:  DefaultProvider,
		QueuedAt:  time.Now(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(data)
	for _, key := range []string{`"point_id"`, `"session_id"`, `"ts_utc":"2026-10-19T08:30:00Z"`, `"accuracy":4.5`, `"provider":"FUSED"`} {
		if !strings.Contains(body, key) {
			t.Fatalf("expected %s in %s", key, body)
		}
	}
	for _, key := range []string{"queued_at", "QueuedAt", `"speed"`, `"heading"`} {
		if strings.Contains(body, key) {
			t.Fatalf("did not expect %s in %s", key, body)
		}
	}
}

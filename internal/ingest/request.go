package ingest

import (
	"time"

	"github.com/go-playground/validator/v10"

	"backend-drivertrack/internal/location"
)

// Accepted ts_utc layouts. Values without an offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, ok := parseTimestamp(fl.Field().String())
		return ok
	})
	return v
}

// batchPoint is the wire form of a point. Coordinates are pointers so a
// missing key fails validation instead of landing at 0,0.
type batchPoint struct {
	PointID   string   `json:"point_id" validate:"required,uuid"`
	SessionID string   `json:"session_id" validate:"required,uuid"`
	Timestamp string   `json:"ts_utc" validate:"required,iso8601"`
	Lat       *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng       *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy" validate:"omitempty,gte=0"`
	Speed     *float64 `json:"speed" validate:"omitempty,gte=0"`
	Heading   *float64 `json:"heading" validate:"omitempty,gte=0,lte=360"`
	Provider  string   `json:"provider" validate:"omitempty,max=32"`
}

type batchRequest struct {
	Points []batchPoint `json:"points" validate:"required,min=1,max=100,dive"`
}

// points converts a validated request.
func (r batchRequest) points() []location.Point {
	out := make([]location.Point, len(r.Points))
	for i, p := range r.Points {
		ts, _ := parseTimestamp(p.Timestamp)
		out[i] = location.Point{
			PointID:   p.PointID,
			SessionID: p.SessionID,
			Timestamp: ts,
			Lat:       *p.Lat,
			Lng:       *p.Lng,
			Accuracy:  p.Accuracy,
			Speed:     p.Speed,
			Heading:   p.Heading,
			Provider:  p.Provider,
		}
	}
	return out
}

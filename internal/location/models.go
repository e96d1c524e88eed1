package location

import (
	"errors"
	"math"
	"time"
)

// DefaultProvider tags points captured by the fused platform provider.
const DefaultProvider = "FUSED"

// ReasonInvalidSession is returned for points whose session does not belong
// to the uploading driver.
const ReasonInvalidSession = "Invalid session_id"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Position is one raw reading from the device. It is never persisted on its own.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	errLatitude  = errors.New("latitude out of range")
	errLongitude = errors.New("longitude out of range")
	errAccuracy  = errors.New("accuracy must be non-negative")
	errSpeed     = errors.New("speed must be non-negative")
	errHeading   = errors.New("heading must be within [0, 360)")
)

// Validate reports whether the reading can become a Point the server will accept.
func (p Position) Validate() error {
	switch {
	case math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90:
		return errLatitude
	case math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180:
		return errLongitude
	case math.IsNaN(p.Accuracy) || p.Accuracy < 0:
		return errAccuracy
	case p.Speed != nil && (math.IsNaN(*p.Speed) || *p.Speed < 0):
		return errSpeed
	case p.Heading != nil && (math.IsNaN(*p.Heading) || *p.Heading < 0 || *p.Heading >= 360):
		return errHeading
	}
	return nil
}

// Point is an admitted Position with its idempotency key. Once created it is
// never modified.
type Point struct {
	PointID   string    `json:"point_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"ts_utc"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	QueuedAt  time.Time `json:"-"`
}

type BatchRequest struct {
	Points []Point `json:"points"`
}

type BatchStats struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

type Rejection struct {
	PointID string `json:"point_id"`
	Reason  string `json:"reason"`
}

type BatchResponse struct {
	Success  bool        `json:"success"`
	Stats    BatchStats  `json:"stats"`
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

type Session struct {
	ID         string        `json:"id"`
	DriverID   string        `json:"driver_id"`
	Status     SessionStatus `json:"status"`
	StartTime  time.Time     `json:"start_time_utc"`
	EndTime    *time.Time    `json:"end_time_utc,omitempty"`
	PointCount int           `json:"point_count,omitempty"`
}

// SyncMeta is the persisted state of the sync engine.
type SyncMeta struct {
	LastSyncAttempt time.Time `json:"last_sync_attempt"`
	FailCount       int       `json:"fail_count"`
}

// LastSeen is the server-side projection of a driver's latest known position.
type LastSeen struct {
	DriverID  string    `json:"driver_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"last_ts_utc"`
	Lat       float64   `json:"last_lat"`
	Lng       float64   `json:"last_lng"`
	Accuracy  *float64  `json:"last_accuracy,omitempty"`
	Status    string    `json:"status"`
}

// DeadLetter is a point pulled out of the local queue after repeated rejection.
type DeadLetter struct {
	Point         Point     `json:"point"`
	Reason        string    `json:"reason"`
	Rejections    int       `json:"rejections"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

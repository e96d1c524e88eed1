package session

type Summary struct {
	SessionID       string  `json:"session_id"`
	PointCount      int     `json:"point_count"`
	DistanceM       float64 `json:"distance_m"`
	DurationSec     int64   `json:"duration_sec"`
	AverageSpeedMps float64 `json:"average_speed_mps"`
}

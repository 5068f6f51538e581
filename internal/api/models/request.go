package models

import "time"

// TelemetryRequest is the body of POST /api/v1/telemetry.
type TelemetryRequest struct {
	Readings []ReadingRequest `json:"readings" binding:"required,min=1,dive"`
}

// EngagementRequest is the body of POST /api/v1/assets/:name/engagement.
// Start names the interval by its start time.
type EngagementRequest struct {
	Start   time.Time `json:"start" binding:"required"`
	Engaged *bool     `json:"engaged" binding:"required"`
}

type ReadingRequest struct {
	Owner string  `json:"owner" binding:"required"`
	Kind  string  `json:"kind" binding:"required"`
	Value float64 `json:"value"`
	// Timestamp defaults to the time of receipt.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

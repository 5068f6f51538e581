package model

import "time"

// Actuation is a setpoint for one asset control point, issued once per
// delivery interval.
type Actuation struct {
	Owner         string    `json:"owner"`
	ControlPoint  string    `json:"control_point"`
	Interval      string    `json:"interval"`
	Value         float64   `json:"value"`
	PreviousValue float64   `json:"previous_value"`
	IssuedAt      time.Time `json:"issued_at"`
}

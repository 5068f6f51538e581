package model

// MeasurementKind names what an IntervalValue holds.
// Keep these values stable; they are intended for CSV output.
type MeasurementKind string

const (
	ScheduledPower  MeasurementKind = "ScheduledPower"
	MarginalPrice   MeasurementKind = "MarginalPrice"
	ActiveVertex    MeasurementKind = "ActiveVertex"
	ProductionCost  MeasurementKind = "ProductionCost"
	DualCost        MeasurementKind = "DualCost"
	ReserveMargin   MeasurementKind = "ReserveMargin"
	TransitionCost  MeasurementKind = "TransitionCost"
	EngagementValue MeasurementKind = "EngagementValue"
	TotalGeneration MeasurementKind = "TotalGeneration"
	TotalDemand     MeasurementKind = "TotalDemand"
	NetPower        MeasurementKind = "NetPower"
	BlendedPrice    MeasurementKind = "BlendedPrice"
	SystemVertex    MeasurementKind = "SystemVertex"
	ConvergenceFlag MeasurementKind = "ConvergenceFlag"

	// Telemetry readings, not interval values.
	AverageDemandkW MeasurementKind = "AverageDemandkW"
	ObservedPower   MeasurementKind = "Power"
)

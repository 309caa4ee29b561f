package chargepoint

import "time"

// Transaction is a single plug-in-to-plug-out charging session. ID is 0
// until the StartTransaction response assigns the CSMS-issued value.
type Transaction struct {
	ID          int
	ConnectorID int
	TagID       string
	MeterStart  int
	MeterStop   *int
	StartTime   time.Time
	StopTime    *time.Time
	MeterSent   bool
	BatteryKwh  *float64
	InitialSoC  *float64
}

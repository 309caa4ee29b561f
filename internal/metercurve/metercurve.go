// Package metercurve drives a connector's meter value (and optionally
// state of charge) forward on a clock tick while a transaction is active,
// under one of two selectable strategies.
package metercurve

import (
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
)

// Sink receives meter progression updates. A connector implements this by
// wrapping its own setMeterValue/sendMeterValue/stop-with-reason logic.
type Sink interface {
	SetMeterValue(value int)
	SendMeterValue()
	SetSoC(soc float64)
	Finish() // called when the strategy reaches its stop condition
}

// Strategy is a tagged variant: exactly one of Increment or BatteryCurve is
// set.
type Strategy struct {
	Increment    *IncrementStrategy
	BatteryCurve *BatteryCurveStrategy
}

// IncrementStrategy adds a fixed amount every tick, stopping at a time or
// value ceiling.
type IncrementStrategy struct {
	IntervalSeconds int
	IncrementValue  int
	MaxTimeSeconds  int // 0 = no limit
	MaxValue        int // 0 = no limit
}

// BatteryCurveStrategy integrates power into energy, deriving SoC from
// capacity, and tapers power above 80% SoC following a CCCV shape.
type BatteryCurveStrategy struct {
	CapacityKwh float64
	InitialSoC  float64
	MaxPowerW   float64
}

// Runner ticks a Strategy against a Sink until a stop condition or
// cancellation.
type Runner struct {
	clk     clock.Clock
	sink    Sink
	handle  clock.Handle
	meter   int // Wh, mirrors the sink's last known value
	soc     float64
	elapsed int // seconds, Increment strategy only
}

// Start begins ticking. meterStart is the transaction's starting meter
// value in Wh. Returns a Runner whose Stop cancels ticking and leaves the
// last meter value stable.
func Start(clk clock.Clock, sink Sink, strategy Strategy, meterStart int, send bool) *Runner {
	r := &Runner{clk: clk, sink: sink, meter: meterStart}

	switch {
	case strategy.Increment != nil:
		cfg := strategy.Increment
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		r.handle = clk.TickFunc(interval, func() {
			r.elapsed += cfg.IntervalSeconds
			r.meter += cfg.IncrementValue
			r.sink.SetMeterValue(r.meter)
			if send {
				r.sink.SendMeterValue()
			}
			if (cfg.MaxTimeSeconds > 0 && r.elapsed >= cfg.MaxTimeSeconds) ||
				(cfg.MaxValue > 0 && r.meter >= cfg.MaxValue) {
				r.stopAndFinish()
			}
		})

	case strategy.BatteryCurve != nil:
		cfg := strategy.BatteryCurve
		r.soc = cfg.InitialSoC
		const tickInterval = time.Second
		r.handle = clk.TickFunc(tickInterval, func() {
			power := cccvPower(cfg.MaxPowerW, r.soc)
			energyWh := power * tickInterval.Hours()
			r.meter += int(energyWh)
			if cfg.CapacityKwh > 0 {
				r.soc += (energyWh / 1000) / cfg.CapacityKwh * 100
				if r.soc > 100 {
					r.soc = 100
				}
			}
			r.sink.SetMeterValue(r.meter)
			r.sink.SetSoC(r.soc)
			if send {
				r.sink.SendMeterValue()
			}
			if r.soc >= 100 {
				r.stopAndFinish()
			}
		})
	}

	return r
}

// cccvPower applies the constant-current/constant-voltage taper: full
// power below 80% SoC, linearly decreasing from 1.0x to 0.2x between 80%
// and 100% SoC.
func cccvPower(maxPowerW float64, soc float64) float64 {
	if soc < 80 {
		return maxPowerW
	}
	if soc >= 100 {
		return maxPowerW * 0.2
	}
	ratio := 1.0 - (soc-80)/20*0.8
	return maxPowerW * ratio
}

func (r *Runner) stopAndFinish() {
	if r.handle != nil {
		r.handle.Cancel()
	}
	r.sink.Finish()
}

// Stop cancels ticking without invoking Finish; the last meter value the
// sink observed remains stable.
func (r *Runner) Stop() {
	if r.handle != nil {
		r.handle.Cancel()
	}
}

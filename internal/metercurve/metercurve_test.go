package metercurve

import (
	"testing"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
)

type fakeSink struct {
	values   []int
	sent     int
	soc      float64
	finished bool
}

func (f *fakeSink) SetMeterValue(value int) { f.values = append(f.values, value) }
func (f *fakeSink) SendMeterValue()         { f.sent++ }
func (f *fakeSink) SetSoC(soc float64)      { f.soc = soc }
func (f *fakeSink) Finish()                 { f.finished = true }

func (f *fakeSink) last() int {
	if len(f.values) == 0 {
		return 0
	}
	return f.values[len(f.values)-1]
}

func TestIncrementStrategy_TicksAndStopsAtMaxValue(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &fakeSink{}

	Start(clk, sink, Strategy{Increment: &IncrementStrategy{
		IntervalSeconds: 60,
		IncrementValue:  1000,
		MaxValue:        2500,
	}}, 0, true)

	clk.Advance(60 * time.Second)
	if sink.last() != 1000 {
		t.Fatalf("expected 1000 after first tick, got %d", sink.last())
	}
	clk.Advance(60 * time.Second)
	if sink.last() != 2000 {
		t.Fatalf("expected 2000 after second tick, got %d", sink.last())
	}
	if sink.finished {
		t.Fatalf("should not finish before MaxValue is reached")
	}
	clk.Advance(60 * time.Second)
	if sink.last() != 3000 {
		t.Fatalf("expected 3000 after third tick, got %d", sink.last())
	}
	if !sink.finished {
		t.Fatalf("expected Finish() once MaxValue is exceeded")
	}
	if sink.sent != 3 {
		t.Fatalf("expected SendMeterValue called on every tick, got %d", sink.sent)
	}
}

func TestIncrementStrategy_StopsAtMaxTime(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &fakeSink{}

	Start(clk, sink, Strategy{Increment: &IncrementStrategy{
		IntervalSeconds: 10,
		IncrementValue:  100,
		MaxTimeSeconds:  25,
	}}, 0, false)

	clk.Advance(30 * time.Second)
	if !sink.finished {
		t.Fatalf("expected Finish() once MaxTimeSeconds is exceeded")
	}
	if sink.sent != 0 {
		t.Fatalf("expected no SendMeterValue calls when send=false, got %d", sink.sent)
	}
}

func TestRunner_StopLeavesLastValueStable(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &fakeSink{}

	r := Start(clk, sink, Strategy{Increment: &IncrementStrategy{
		IntervalSeconds: 1,
		IncrementValue:  10,
	}}, 0, false)

	clk.Advance(3 * time.Second)
	stopped := sink.last()
	r.Stop()
	clk.Advance(10 * time.Second)

	if sink.last() != stopped {
		t.Fatalf("expected meter value stable at %d after Stop, got %d", stopped, sink.last())
	}
	if sink.finished {
		t.Fatalf("Stop must not invoke Finish")
	}
}

func TestBatteryCurveStrategy_ReachesFullChargeAndFinishes(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sink := &fakeSink{}

	Start(clk, sink, Strategy{BatteryCurve: &BatteryCurveStrategy{
		CapacityKwh: 0.001, // tiny capacity so SoC saturates quickly in test time
		InitialSoC:  95,
		MaxPowerW:   7000,
	}}, 0, false)

	clk.Advance(5 * time.Second)
	if !sink.finished {
		t.Fatalf("expected battery curve to reach 100%% SoC and finish")
	}
	if sink.soc != 100 {
		t.Fatalf("expected SoC clamped at 100, got %v", sink.soc)
	}
}

func TestCccvPower_TapersAbove80PercentSoC(t *testing.T) {
	full := cccvPower(7000, 50)
	if full != 7000 {
		t.Errorf("expected full power below 80%%, got %v", full)
	}

	at90 := cccvPower(7000, 90)
	if at90 <= 0.2*7000 || at90 >= 7000 {
		t.Errorf("expected tapered power between 0.2x and 1.0x at 90%%, got %v", at90)
	}

	atFull := cccvPower(7000, 100)
	if atFull != 7000*0.2 {
		t.Errorf("expected 0.2x power at 100%%, got %v", atFull)
	}
}

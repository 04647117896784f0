package client

import (
	"context"
	"time"
)

const (
	DefaultSizeThreshold   = 160
	DefaultTimingThreshold = 120 * time.Millisecond
	DefaultLoopIterations  = 100_000
)

// Signals are the three developer-tools heuristics a page reports.
type Signals struct {
	Size    bool
	Console bool
	Timing  bool
}

// Detect reports whether developer tools are considered open. The console
// signal alone is definitive; otherwise two of the three must agree.
func Detect(s Signals) bool {
	if s.Console {
		return true
	}
	n := 0
	for _, v := range []bool{s.Size, s.Console, s.Timing} {
		if v {
			n++
		}
	}
	return n >= 2
}

// SizeSignal fires when the window chrome is wider or taller than threshold
// pixels, as it is with a docked inspector.
func SizeSignal(outerW, innerW, outerH, innerH, threshold int) bool {
	return outerW-innerW > threshold || outerH-innerH > threshold
}

// TimingSignal fires when a fixed loop took longer than threshold.
func TimingSignal(elapsed, threshold time.Duration) bool {
	return elapsed > threshold
}

// Measurement is one raw sample from a page environment.
type Measurement struct {
	OuterWidth, InnerWidth   int
	OuterHeight, InnerHeight int
	ConsoleOpen              bool
	LoopElapsed              time.Duration
}

type Thresholds struct {
	Size   int
	Timing time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{Size: DefaultSizeThreshold, Timing: DefaultTimingThreshold}
}

// Signals applies the thresholds to a measurement.
func (t Thresholds) Signals(m Measurement) Signals {
	return Signals{
		Size:    SizeSignal(m.OuterWidth, m.InnerWidth, m.OuterHeight, m.InnerHeight, t.Size),
		Console: m.ConsoleOpen,
		Timing:  TimingSignal(m.LoopElapsed, t.Timing),
	}
}

// Probe samples the environment the client runs in.
type Probe interface {
	Signals(ctx context.Context) (Signals, error)
}

type ProbeFunc func(ctx context.Context) (Signals, error)

func (f ProbeFunc) Signals(ctx context.Context) (Signals, error) { return f(ctx) }

// StaticProbe always reports the same signals. Headless clients have no
// inspector, so the zero value is the usual choice.
type StaticProbe Signals

func (p StaticProbe) Signals(context.Context) (Signals, error) { return Signals(p), nil }

// MeasurementProbe evaluates samples from Sample against Thresholds.
type MeasurementProbe struct {
	Thresholds Thresholds
	Sample     func(ctx context.Context) (Measurement, error)
}

func (p MeasurementProbe) Signals(ctx context.Context) (Signals, error) {
	m, err := p.Sample(ctx)
	if err != nil {
		return Signals{}, err
	}
	return p.Thresholds.Signals(m), nil
}

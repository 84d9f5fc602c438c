// Package calibration turns successive valve readings into a calibrated cumulative
// usage figure.
//
// The valve cannot be read fast enough to catch every flow event, so the raw counters
// drift from the water actually used. The calibration factor is an operator-tuned
// multiplier applied to each increment so the local total converges on ground truth
// over long observation windows.
package calibration

import (
	"time"
)

// Source selects which device value drives the accumulator
type Source string

const (
	// SourceCounter accumulates deltas of the device's cumulative gallons counter
	SourceCounter Source = "counter"
	// SourceFlow integrates the instantaneous flow rate over the time between samples
	SourceFlow Source = "flow"
)

// DefaultMaxGap bounds the flow integration window after a missed sample
const DefaultMaxGap = 5 * time.Second

// Reading is the part of a status sample the accumulator needs
type Reading struct {
	Time        time.Time
	DeviceTotal int64   // device cumulative gallons
	FlowRate    float64 // gallons per minute
}

// Kind tags an Observation
type Kind int

const (
	// KindBaseline is the first reading of a run; it sets the reference point
	KindBaseline Kind = iota
	// KindIncrement is a non-negative change of the device counter
	KindIncrement
	// KindReset is a device counter that went backwards (rollover or maintenance reset)
	KindReset
	// KindFlow is a flow-rate integration step
	KindFlow
)

func (k Kind) String() string {
	switch k {
	case KindBaseline:
		return "baseline"
	case KindIncrement:
		return "increment"
	case KindReset:
		return "reset"
	case KindFlow:
		return "flow"
	default:
		return "unknown"
	}
}

// Observation is the classified effect of one reading, before calibration is applied
type Observation struct {
	Kind  Kind
	Delta float64 // uncalibrated gallons to add
}

// State is a snapshot of the accumulator
type State struct {
	Initialized     bool
	LastDeviceTotal int64
	LocalTotal      float64
	LastTimestamp   time.Time
	Factor          float64
}

// Options configures an Accumulator
type Options struct {
	Factor float64 // must be >= 0; validated by the configuration layer
	Source Source
	MaxGap time.Duration // flow source only
}

// Accumulator folds readings, strictly in arrival order, into a calibrated total.
// It is owned by a single poll loop and is not safe for concurrent use.
type Accumulator struct {
	state  State
	source Source
	maxGap time.Duration
	seed   *float64
}

// New creates an accumulator. Zero-value options select the counter source and
// the default flow gap.
func New(opts Options) *Accumulator {
	if opts.Source == "" {
		opts.Source = SourceCounter
	}
	if opts.MaxGap <= 0 {
		opts.MaxGap = DefaultMaxGap
	}
	return &Accumulator{
		state:  State{Factor: opts.Factor},
		source: opts.Source,
		maxGap: opts.MaxGap,
	}
}

// Seed sets the local total the first reading starts from, e.g. the last persisted
// calibrated total. It has no effect once a reading has been folded in.
func (a *Accumulator) Seed(total float64) {
	if a.state.Initialized {
		return
	}
	a.seed = &total
}

// Classify determines what a reading contributes without changing state
func (a *Accumulator) Classify(r Reading) Observation {
	if !a.state.Initialized {
		return Observation{Kind: KindBaseline}
	}

	if a.source == SourceFlow {
		elapsed := r.Time.Sub(a.state.LastTimestamp)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > a.maxGap {
			elapsed = a.maxGap
		}
		return Observation{Kind: KindFlow, Delta: r.FlowRate * elapsed.Minutes()}
	}

	delta := r.DeviceTotal - a.state.LastDeviceTotal
	if delta < 0 {
		// The new reading is the usage since the counter restarted
		return Observation{Kind: KindReset, Delta: float64(r.DeviceTotal)}
	}
	return Observation{Kind: KindIncrement, Delta: float64(delta)}
}

// Apply folds a classified reading into the state and returns the calibrated total.
//
// The baseline reading sets the local total to the seed when one was given, else for
// the counter source to the raw device total, uncalibrated, else to zero. Only later
// deltas are scaled by the factor: with factor 2 the counter readings 10, 15, 3 give
// totals 10, 20, 26.
func (a *Accumulator) Apply(r Reading, o Observation) float64 {
	if o.Kind == KindBaseline {
		switch {
		case a.seed != nil:
			a.state.LocalTotal = *a.seed
		case a.source == SourceCounter:
			a.state.LocalTotal = float64(r.DeviceTotal)
		default:
			a.state.LocalTotal = 0
		}
		a.state.Initialized = true
		a.seed = nil
	} else if o.Delta > 0 {
		a.state.LocalTotal += o.Delta * a.state.Factor
	}

	a.state.LastDeviceTotal = r.DeviceTotal
	a.state.LastTimestamp = r.Time
	return a.state.LocalTotal
}

// Add classifies and applies a reading in one step
func (a *Accumulator) Add(r Reading) (float64, Observation) {
	o := a.Classify(r)
	return a.Apply(r, o), o
}

// Total returns the current calibrated total
func (a *Accumulator) Total() float64 {
	return a.state.LocalTotal
}

// State returns a copy of the accumulator state
func (a *Accumulator) State() State {
	return a.state
}

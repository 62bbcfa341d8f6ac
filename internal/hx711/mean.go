package hx711

import "math"

// FloatingMean is a running average whose blend weight is the plausibility of
// each new sample relative to the previous accepted one.
type FloatingMean struct {
	// Shape scales how fast plausibility decays with distance. Higher values
	// reduce noise but slow down reaction to real changes.
	Shape float64
	// PFMin is the plausibility below which a sample is treated as noise.
	PFMin float64
	// Drift moves the previous sample toward the mean on rejected samples so
	// a real step change cannot lock the filter out forever. 0 disables it.
	Drift float64

	weight float64
	psv    float64
	seeded bool
}

// Seed sets both the mean and the previous sample.
func (m *FloatingMean) Seed(v float64) {
	m.weight, m.psv, m.seeded = v, v, true
}

// Seeded reports whether the mean holds a value.
func (m *FloatingMean) Seeded() bool { return m.seeded }

// Weight returns the current mean, NaN before the first sample.
func (m *FloatingMean) Weight() float64 {
	if !m.seeded {
		return math.NaN()
	}
	return m.weight
}

// Previous returns the last accepted scaled sample.
func (m *FloatingMean) Previous() float64 {
	if !m.seeded {
		return math.NaN()
	}
	return m.psv
}

// Update blends sv into the mean. The first sample seeds the mean and is
// always accepted with plausibility 1.
func (m *FloatingMean) Update(sv, delta float64) (weight, pf float64, accepted bool) {
	if !m.seeded {
		m.Seed(sv)
		return m.weight, 1, true
	}
	if delta <= 0 {
		delta = math.SmallestNonzeroFloat64
	}
	pf = 1 / (1 + m.Shape*math.Abs(sv-m.psv)/delta)
	m.weight = pf*sv + (1-pf)*m.weight
	if pf < m.PFMin {
		m.psv += m.Drift * (m.weight - m.psv)
		return m.weight, pf, false
	}
	m.psv = sv
	return m.weight, pf, true
}

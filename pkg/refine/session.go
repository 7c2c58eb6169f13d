package refine

// Session carries one azimuthal slice's mutable refinement state. It
// is created per slice per frame and discarded once the final
// parameters are copied into the owning frame result.
//
// Parameter updates go through apply, which installs a fresh snapshot
// rather than mutating in place; the previous snapshot stays intact so
// convergence compares two complete, immutable parameter lists.
type Session struct {
	spectrum   Spectrum
	peaks      []PeakParams
	background []PeakParams

	windowLo float64
	windowHi float64

	iterations int
	prev       []PeakParams
}

// NewSession creates a slice session from seed parameters. The window
// is the analysis two-theta interval used by the correction pass.
func NewSession(spectrum Spectrum, peaks, background []PeakParams, windowLo, windowHi float64) *Session {
	return &Session{
		spectrum:   spectrum,
		peaks:      append([]PeakParams(nil), peaks...),
		background: append([]PeakParams(nil), background...),
		windowLo:   windowLo,
		windowHi:   windowHi,
	}
}

// Spectrum returns the slice's histogram.
func (s *Session) Spectrum() Spectrum { return s.spectrum }

// Peaks returns a copy of the current peak parameters.
func (s *Session) Peaks() []PeakParams {
	return append([]PeakParams(nil), s.peaks...)
}

// Background returns a copy of the current background parameters.
func (s *Session) Background() []PeakParams {
	return append([]PeakParams(nil), s.background...)
}

// Iterations returns the completed full-sequence iteration count.
func (s *Session) Iterations() int { return s.iterations }

// apply installs an engine step's output after a correction pass,
// returning how many parameter corrections fired. The pre-step peak
// list becomes the convergence snapshot.
func (s *Session) apply(peaks, background []PeakParams) int {
	corrections := 0

	next := append([]PeakParams(nil), peaks...)
	for i := range next {
		corrections += s.correct(&next[i])
	}
	nextBg := append([]PeakParams(nil), background...)
	for i := range nextBg {
		corrections += s.correct(&nextBg[i])
	}

	s.peaks = next
	s.background = nextBg
	return corrections
}

// correct clamps physically impossible parameters to safe defaults so
// one bad step cannot destabilize the steps after it. The bad local
// fit is discarded rather than propagated.
func (s *Session) correct(p *PeakParams) int {
	n := 0
	if p.Area < 0 {
		p.Area = 1
		n++
	}
	if p.Sigma < 0 {
		p.Sigma = 0
		n++
	}
	if p.Gamma < 0 {
		p.Gamma = 0
		n++
	}
	if s.windowHi > s.windowLo && (p.Position < s.windowLo || p.Position > s.windowHi) {
		if p.Position < s.windowLo {
			p.Position = s.windowLo
		} else {
			p.Position = s.windowHi
		}
		n++
	}
	return n
}

// beginIteration snapshots the peak list before a full pass through
// the step sequence.
func (s *Session) beginIteration() {
	s.prev = append([]PeakParams(nil), s.peaks...)
}

// endIteration counts the pass and reports the maximum relative
// parameter change against the pre-pass snapshot.
func (s *Session) endIteration() float64 {
	s.iterations++
	return maxRelativeChange(s.prev, s.peaks)
}

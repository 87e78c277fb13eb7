package pipeline

// ProgressReporter receives a stage's completion fraction in [0,1].
type ProgressReporter interface {
	Report(fraction float64)
}

// ReporterFunc adapts a function to ProgressReporter.
type ReporterFunc func(fraction float64)

func (f ReporterFunc) Report(fraction float64) { f(fraction) }

type scaled struct {
	next   ProgressReporter
	lo, hi float64
}

// Scale maps a stage's [0,1] progress onto [lo,hi] of the overall job.
func Scale(next ProgressReporter, lo, hi float64) ProgressReporter {
	return scaled{next: next, lo: lo, hi: hi}
}

func (s scaled) Report(fraction float64) {
	if s.next == nil {
		return
	}
	s.next.Report(s.lo + clamp(fraction)*(s.hi-s.lo))
}

func report(rep ProgressReporter, fraction float64) {
	if rep != nil {
		rep.Report(clamp(fraction))
	}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// Package track models a racetrack as an ordered sequence of curved segments
// plus the metadata the client needs to load the same map. The geometry layer
// is pure: it answers "what is the track angle at position x" and nothing else.
package track

// CurveSegment is one curved region of the track. Between StartX and EndX the
// track angle ramps up from zero, holds at ThetaFinal, and ramps back down to
// zero; outside the region the track is straight. Positive angles curve right,
// negative angles curve left.
//
// The profile is continuous: the angle is 0 at StartX and EndX, reaches
// ThetaFinal at MidX, and holds it until the midpoint of MidX and EndX.
type CurveSegment struct {
	StartX     float64
	MidX       float64
	EndX       float64
	ThetaFinal float64
}

// Contains reports whether x falls inside this segment's curved region.
func (s CurveSegment) Contains(x float64) bool {
	return x >= s.StartX && x <= s.EndX
}

// AngleAt returns the track angle in degrees at position x.
// Zero outside [StartX, EndX].
func (s CurveSegment) AngleAt(x float64) float64 {
	if !s.Contains(x) {
		return 0
	}

	holdEnd := (s.MidX + s.EndX) / 2

	switch {
	case x <= s.MidX:
		// ramp up
		return s.ThetaFinal * (x - s.StartX) / (s.MidX - s.StartX)
	case x <= holdEnd:
		// plateau
		return s.ThetaFinal
	default:
		// ramp down
		return s.ThetaFinal * (s.EndX - x) / (s.EndX - holdEnd)
	}
}

// valid checks the segment's internal ordering invariant.
func (s CurveSegment) valid() bool {
	return s.StartX < s.MidX && s.MidX < s.EndX
}

package track

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Details is the map metadata shared with clients on room create/join so they
// can load the matching assets and mirror the geometry.
type Details struct {
	MapName     string  `json:"map_name" yaml:"map_name"`
	MapFile     string  `json:"map_file" yaml:"map_file"`
	PreviewFile string  `json:"preview_file" yaml:"preview_file"`
	Length      float64 `json:"length" yaml:"length"`
	Width       float64 `json:"width" yaml:"width"`
	OOBLeniency float64 `json:"oob_leniency" yaml:"oob_leniency"`
	WRTime      float64 `json:"wr_time" yaml:"wr_time"`
}

// Track is one racetrack: metadata plus its ordered, non-overlapping curve
// segments. Immutable once built; a Room holds exactly one Track and every
// Entity in its World reads angles from it.
type Track struct {
	details  Details
	segments []CurveSegment
}

// New validates the segment list and builds a Track. Segments must each
// satisfy start < mid < end and must be sorted without overlaps; violating
// either is a loader error, not something the query layer tolerates.
func New(details Details, segments []CurveSegment) (*Track, error) {
	if details.Length <= 0 {
		return nil, fmt.Errorf("track %q: length must be positive", details.MapName)
	}
	if details.Width <= 0 {
		return nil, fmt.Errorf("track %q: width must be positive", details.MapName)
	}

	for i, s := range segments {
		if !s.valid() {
			return nil, fmt.Errorf("track %q: segment %d: want start < mid < end, got %v,%v,%v",
				details.MapName, i, s.StartX, s.MidX, s.EndX)
		}
		if i > 0 && s.StartX <= segments[i-1].EndX {
			return nil, fmt.Errorf("track %q: segment %d overlaps or is out of order", details.MapName, i)
		}
	}

	return &Track{details: details, segments: segments}, nil
}

// Details returns the map metadata.
func (t *Track) Details() Details {
	return t.details
}

// Length returns the along-track distance to the finish line.
func (t *Track) Length() float64 {
	return t.details.Length
}

// Width returns the lateral width of the track surface.
func (t *Track) Width() float64 {
	return t.details.Width
}

// OOBBound returns the lateral offset beyond which a car is out of bounds.
func (t *Track) OOBBound() float64 {
	return t.details.OOBLeniency + t.details.Width/2
}

// AngleAt returns the track angle in degrees at along-track position x,
// or 0 where the track is straight. A linear scan is fine: a track holds
// tens of segments at most.
func (t *Track) AngleAt(x float64) float64 {
	for _, s := range t.segments {
		if s.Contains(x) {
			return s.AngleAt(x)
		}
	}
	return 0
}

// SegmentAt returns the curve segment covering position x, or nil if the
// track is straight there.
func (t *Track) SegmentAt(x float64) *CurveSegment {
	for i := range t.segments {
		if t.segments[i].Contains(x) {
			return &t.segments[i]
		}
	}
	return nil
}

// ParseSegments reads the .map plaintext format: one
// "start_x,mid_x,end_x,theta_final" record per line, blank lines ignored.
func ParseSegments(r io.Reader) ([]CurveSegment, error) {
	var segments []CurveSegment

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: want 4 comma-separated values, got %d", lineNo, len(fields))
		}

		vals := make([]float64, 4)
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: field %d: %w", lineNo, i+1, err)
			}
			vals[i] = v
		}

		segments = append(segments, CurveSegment{
			StartX:     vals[0],
			MidX:       vals[1],
			EndX:       vals[2],
			ThetaFinal: vals[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return segments, nil
}

package datasets

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// LineNumAttr is the length of the geometry vector of a line.
const LineNumAttr = 15

// lineRecordFields is the number of whitespace separated fields of a row in
// a lines_with_labels file.
const lineRecordFields = 18

// LineType is the categorical edge classification of a line.
type LineType int

const (
	Discontinuity LineType = iota
	Planar
	Edge
	Intersection
)

func (t LineType) String() string {
	switch t {
	case Discontinuity:
		return "discontinuity"
	case Planar:
		return "planar"
	case Edge:
		return "edge"
	case Intersection:
		return "intersection"
	default:
		return "LineType(" + strconv.Itoa(int(t)) + ")"
	}
}

// Valid reports whether t is one of the four known line types.
func (t LineType) Valid() bool { return t >= Discontinuity && t <= Intersection }

// RemapLineType maps a line type from {0,1,2,3} to {-1,-1/3,1/3,1}: zero
// centered by subtracting 1.5, then scaled into [-1, 1].
func RemapLineType(t float32) float32 {
	return (t - 1.5) / 1.5
}

// UnmapLineType inverts RemapLineType.
func UnmapLineType(v float32) float32 {
	return v*1.5 + 1.5
}

// Line is a detected 3D line segment with its labels.
type Line struct {
	Start, End       r3.Vector
	NormalA, NormalB r3.Vector
	StartOpen        float32
	EndOpen          float32
	Type             LineType
	Instance         int32
	Class            int32

	// ImagePath is the virtual camera image of the line, already resolved
	// against the directory of the record file.
	ImagePath string
}

// Geometry returns the LineNumAttr long descriptor of the line:
// start(3) end(3) normalA(3) normalB(3) startOpen endOpen lineType, where
// the line type is remapped into [-1, 1].
func (l *Line) Geometry() []float32 {
	return []float32{
		float32(l.Start.X), float32(l.Start.Y), float32(l.Start.Z),
		float32(l.End.X), float32(l.End.Y), float32(l.End.Z),
		float32(l.NormalA.X), float32(l.NormalA.Y), float32(l.NormalA.Z),
		float32(l.NormalB.X), float32(l.NormalB.Y), float32(l.NormalB.Z),
		l.StartOpen, l.EndOpen,
		RemapLineType(float32(l.Type)),
	}
}

// Center returns the midpoint of the segment.
func (l *Line) Center() r3.Vector {
	return l.Start.Add(l.End).Mul(0.5)
}

// Frame is one RGB-D capture instant with all of its detected lines.
type Frame struct {
	ID    int
	Path  string
	Lines []Line

	// ScenePath is the rendered scene image of the frame, empty if the
	// upstream tool did not write one.
	ScenePath string
}

// BackgroundSet is the set of semantic classes excluded from training.
type BackgroundSet map[int32]struct{}

// NewBackgroundSet builds a BackgroundSet from a list of class ids.
func NewBackgroundSet(classes []int32) BackgroundSet {
	s := make(BackgroundSet, len(classes))
	for _, c := range classes {
		s[c] = struct{}{}
	}
	return s
}

// Contains reports whether class is a background class.
func (s BackgroundSet) Contains(class int32) bool {
	_, ok := s[class]
	return ok
}

// ReadFrame parses a lines_with_labels file. Rows are validated eagerly: a
// malformed row is reported with its file and line number.
func ReadFrame(path string, id int) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open line file %s", path)
	}
	defer file.Close()

	dir := filepath.Dir(path)
	frame := &Frame{ID: id, Path: path}
	scene := filepath.Join(dir, "scene_"+strconv.Itoa(id)+".png")
	if _, err := os.Stat(scene); err == nil {
		frame.ScenePath = scene
	}

	scanner := bufio.NewScanner(file)
	row := 0
	for scanner.Scan() {
		row++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		line, err := parseLineRecord(strings.Fields(text), dir)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, row)
		}
		frame.Lines = append(frame.Lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read line file %s", path)
	}
	return frame, nil
}

func parseLineRecord(fields []string, dir string) (Line, error) {
	var l Line
	if len(fields) != lineRecordFields {
		return l, errors.Errorf("expected %d fields, got %d", lineRecordFields, len(fields))
	}
	var vals [14]float32
	for i := range vals {
		v, err := parseFloat32(fields[i])
		if err != nil {
			return l, errors.Wrapf(err, "field %d", i)
		}
		vals[i] = v
	}
	vec := func(i int) r3.Vector {
		return r3.Vector{X: float64(vals[i]), Y: float64(vals[i+1]), Z: float64(vals[i+2])}
	}
	l.Start = vec(0)
	l.End = vec(3)
	l.NormalA = vec(6)
	l.NormalB = vec(9)
	l.StartOpen = vals[12]
	l.EndOpen = vals[13]

	lt, err := parseInt32(fields[14])
	if err != nil {
		return l, errors.Wrap(err, "line_type")
	}
	l.Type = LineType(lt)
	if !l.Type.Valid() {
		return l, errors.Errorf("line_type %d out of range [0, 3]", lt)
	}
	if l.Instance, err = parseInt32(fields[15]); err != nil {
		return l, errors.Wrap(err, "instance")
	}
	if l.Class, err = parseInt32(fields[16]); err != nil {
		return l, errors.Wrap(err, "class")
	}
	l.ImagePath = fields[17]
	if !filepath.IsAbs(l.ImagePath) {
		l.ImagePath = filepath.Join(dir, l.ImagePath)
	}
	return l, nil
}

package datasets

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArchiveLabelLen is the label length of archived patches:
// start(3) end(3) instance.
const ArchiveLabelLen = 7

// IndexedLabelLen is the label length of indexed patches: center(3) instance.
const IndexedLabelLen = 4

// Modalities of an archived frame.
const (
	ModalityRGB   = "rgb"
	ModalityDepth = "depth"
)

// Archive is the typed, pre-extracted form of a set of line image patches:
// Datasets[name].Trajectories[n].Frames[n] holds the patches of every line of
// one frame, keyed by line number, for each modality.
type Archive struct {
	Datasets map[string]*DatasetEntry
}

// DatasetEntry groups the trajectories of one named dataset.
type DatasetEntry struct {
	Trajectories map[int]*TrajectoryEntry
}

// TrajectoryEntry groups the frames of one trajectory.
type TrajectoryEntry struct {
	Frames map[int]*FrameEntry
}

// FrameEntry holds the patches of one frame, per modality and line number.
type FrameEntry struct {
	RGB   map[int]*Patch
	Depth map[int]*Patch
}

// Patch is the virtual camera image of one line with its labels.
type Patch struct {
	Image    EncodedImage
	Labels   []float32
	LineType int
}

// EncodedImage is a raw, uncompressed image. Color patches store
// interleaved 8 bit B,G,R values in Pix (C=3); depth patches store one 16
// bit value per pixel in Depth (C=1).
type EncodedImage struct {
	W, H, C int
	Pix     []uint8
	Depth   []uint16
}

func (e *EncodedImage) validate(depth bool) error {
	if e.W <= 0 || e.H <= 0 {
		return errors.Errorf("invalid image size %dx%d", e.W, e.H)
	}
	if depth {
		if e.C != 1 || len(e.Depth) != e.W*e.H {
			return errors.Errorf("depth image %dx%dx%d has %d values", e.W, e.H, e.C, len(e.Depth))
		}
		return nil
	}
	if e.C != 3 || len(e.Pix) != e.W*e.H*e.C {
		return errors.Errorf("color image %dx%dx%d has %d bytes", e.W, e.H, e.C, len(e.Pix))
	}
	return nil
}

// ReadArchive decodes a gob archive file.
func ReadArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %s", path)
	}
	defer f.Close()
	a := &Archive{}
	if err := gob.NewDecoder(f).Decode(a); err != nil {
		return nil, errors.Wrapf(err, "failed to decode archive %s", path)
	}
	return a, nil
}

// WriteArchive encodes a to path, writing a temporary file first and
// renaming it so readers never observe a partial archive.
func WriteArchive(path string, a *Archive) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp archive")
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if err := gob.NewEncoder(tmp).Encode(a); err != nil {
		return errors.Wrapf(err, "encode archive %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp archive")
	}
	return errors.Wrapf(os.Rename(tmpName, path), "rename archive to %s", path)
}

// Merge folds other into a by deep union. On a leaf conflict, the same line
// number of the same modality, the patch of other wins.
func (a *Archive) Merge(other *Archive) {
	if other == nil {
		return
	}
	if a.Datasets == nil {
		a.Datasets = map[string]*DatasetEntry{}
	}
	for name, od := range other.Datasets {
		d, ok := a.Datasets[name]
		if !ok {
			d = &DatasetEntry{Trajectories: map[int]*TrajectoryEntry{}}
			a.Datasets[name] = d
		}
		if d.Trajectories == nil {
			d.Trajectories = map[int]*TrajectoryEntry{}
		}
		for tn, ot := range od.Trajectories {
			t, ok := d.Trajectories[tn]
			if !ok {
				t = &TrajectoryEntry{Frames: map[int]*FrameEntry{}}
				d.Trajectories[tn] = t
			}
			if t.Frames == nil {
				t.Frames = map[int]*FrameEntry{}
			}
			for fn, of := range ot.Frames {
				f, ok := t.Frames[fn]
				if !ok {
					f = &FrameEntry{}
					t.Frames[fn] = f
				}
				f.RGB = mergePatches(f.RGB, of.RGB)
				f.Depth = mergePatches(f.Depth, of.Depth)
			}
		}
	}
}

func mergePatches(dst, src map[int]*Patch) map[int]*Patch {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[int]*Patch, len(src))
	}
	for k, p := range src {
		dst[k] = p
	}
	return dst
}

// Validate checks every patch: label length, line type range and pixel
// buffer size. With requireDepth every color patch must have a depth
// counterpart of the same size.
func (a *Archive) Validate(requireDepth bool) error {
	return a.walk(func(key patchKey, rgb, depth *Patch) error {
		if len(rgb.Labels) != ArchiveLabelLen {
			return errors.Errorf("%s: %d labels, want %d", key, len(rgb.Labels), ArchiveLabelLen)
		}
		if !LineType(rgb.LineType).Valid() {
			return errors.Errorf("%s: line type %d out of range [0, 3]", key, rgb.LineType)
		}
		if err := rgb.Image.validate(false); err != nil {
			return errors.Wrapf(err, "%s rgb", key)
		}
		if !requireDepth {
			return nil
		}
		if depth == nil {
			return errors.Errorf("%s: missing depth patch", key)
		}
		if err := depth.Image.validate(true); err != nil {
			return errors.Wrapf(err, "%s depth", key)
		}
		if depth.Image.W != rgb.Image.W || depth.Image.H != rgb.Image.H {
			return errors.Errorf("%s: depth %dx%d does not match rgb %dx%d", key,
				depth.Image.W, depth.Image.H, rgb.Image.W, rgb.Image.H)
		}
		return nil
	})
}

type patchKey struct {
	Dataset    string
	Trajectory int
	Frame      int
	Line       int
}

func (k patchKey) String() string {
	return k.Dataset + "/" + strconv.Itoa(k.Trajectory) + "/" + strconv.Itoa(k.Frame) + "/" + strconv.Itoa(k.Line)
}

// walk visits every color patch in sorted key order at every level.
func (a *Archive) walk(fn func(key patchKey, rgb, depth *Patch) error) error {
	for _, name := range sortedKeys(a.Datasets) {
		d := a.Datasets[name]
		for _, tn := range sortedKeys(d.Trajectories) {
			t := d.Trajectories[tn]
			for _, fn2 := range sortedKeys(t.Frames) {
				f := t.Frames[fn2]
				for _, ln := range sortedKeys(f.RGB) {
					key := patchKey{Dataset: name, Trajectory: tn, Frame: fn2, Line: ln}
					if err := fn(key, f.RGB[ln], f.Depth[ln]); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// archiveSample is one flattened archive entry.
type archiveSample struct {
	key      patchKey
	rgb      *Patch
	depth    *Patch
	labels   []float32
	lineType float32
}

func (a *Archive) flatten() []archiveSample {
	var out []archiveSample
	_ = a.walk(func(key patchKey, rgb, depth *Patch) error {
		out = append(out, archiveSample{
			key:      key,
			rgb:      rgb,
			depth:    depth,
			labels:   rgb.Labels,
			lineType: float32(rgb.LineType),
		})
		return nil
	})
	return out
}

// LoadArchives reads, merges and validates the given archive files, in
// order.
func LoadArchives(paths []string, requireDepth bool) (*Archive, error) {
	merged := &Archive{Datasets: map[string]*DatasetEntry{}}
	for _, p := range paths {
		a, err := ReadArchive(p)
		if err != nil {
			return nil, err
		}
		merged.Merge(a)
		klog.V(1).Infof("merged archive %s", p)
	}
	if err := merged.Validate(requireDepth); err != nil {
		return nil, errors.Wrap(err, "invalid archive")
	}
	return merged, nil
}

// LineCenterLabels converts archive labels, start(3) end(3) instance, into
// indexed labels, center(3) instance.
func LineCenterLabels(labels []float32) ([]float32, error) {
	if len(labels) != ArchiveLabelLen {
		return nil, errors.Errorf("expected %d labels, got %d", ArchiveLabelLen, len(labels))
	}
	return []float32{
		(labels[0] + labels[3]) / 2,
		(labels[1] + labels[4]) / 2,
		(labels[2] + labels[5]) / 2,
		labels[6],
	}, nil
}

func sortedKeys[K string | int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

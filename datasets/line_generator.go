package datasets

import (
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// MeanDims is the length of the dataset mean: one value per spatial axis.
const MeanDims = 3

// ErrMeanFrozen is returned by SetMean once batches have been requested
// from the generator.
var ErrMeanFrozen = errors.New("dataset mean is frozen once iteration started")

// DefaultImageMean is the per-channel (B, G, R) mean subtracted from line
// images, matching the statistics the image feature extractor was
// pretrained with.
var DefaultImageMean = [3]float32{103.939, 116.779, 123.68}

// LineGeneratorConfig holds the options of a LineGenerator.
type LineGeneratorConfig struct {
	// Background lists the semantic classes whose lines are dropped.
	Background []int32

	// Shuffle randomizes the frame order and the line order inside each
	// frame on every pass.
	Shuffle bool

	// Sort orders frames by frame id instead of file listing order.
	Sort bool

	// DataAugmentation enables a random horizontal flip and a gaussian
	// jitter of the line endpoints, applied per sample and never persisted.
	DataAugmentation bool

	// ImageShape is the size line images are resized to. C must be 3.
	ImageShape ImageShape

	// Mean, if set, is passed to SetMean at construction.
	Mean []float64

	// ImageMean is subtracted from each B, G, R channel. Zero value means
	// DefaultImageMean.
	ImageMean [3]float32

	// JitterStd is the standard deviation of the endpoint jitter. If zero
	// a default of 0.01 is used when DataAugmentation is on.
	JitterStd float64

	// Seed controls shuffling and augmentation.
	Seed int64
}

type lineRef struct {
	frame int
	line  int
}

// LineGenerator indexes the line records of one split directory. The index
// is immutable after construction; batches are produced by LineIterators.
type LineGenerator struct {
	Dir string

	cfg        LineGeneratorConfig
	background BackgroundSet
	frames     []*Frame

	// foreground[i] lists the non-background line indices of frames[i].
	foreground [][]int
	index      []lineRef

	mean   []float64
	frozen bool
}

// NewLineGenerator reads and validates every frame file of dir.
func NewLineGenerator(dir string, cfg LineGeneratorConfig) (*LineGenerator, error) {
	if cfg.ImageShape.C == 0 {
		cfg.ImageShape.C = 3
	}
	if cfg.ImageShape.C != 3 || cfg.ImageShape.H <= 0 || cfg.ImageShape.W <= 0 {
		return nil, errors.Errorf("invalid line image shape %+v, want (H>0, W>0, 3)", cfg.ImageShape)
	}
	if cfg.ImageMean == ([3]float32{}) {
		cfg.ImageMean = DefaultImageMean
	}
	if cfg.DataAugmentation && cfg.JitterStd == 0 {
		cfg.JitterStd = 0.01
	}

	paths, ids, err := findFrameFiles(dir)
	if err != nil {
		return nil, err
	}
	if cfg.Sort {
		sortByFrameID(paths, ids)
	}

	g := &LineGenerator{
		Dir:        dir,
		cfg:        cfg,
		background: NewBackgroundSet(cfg.Background),
		frames:     make([]*Frame, 0, len(paths)),
		foreground: make([][]int, 0, len(paths)),
	}
	for i, p := range paths {
		frame, err := ReadFrame(p, ids[i])
		if err != nil {
			return nil, err
		}
		fg := make([]int, 0, len(frame.Lines))
		for j := range frame.Lines {
			if g.background.Contains(frame.Lines[j].Class) {
				continue
			}
			fg = append(fg, j)
			g.index = append(g.index, lineRef{frame: len(g.frames), line: j})
		}
		g.frames = append(g.frames, frame)
		g.foreground = append(g.foreground, fg)
	}

	if cfg.Mean != nil {
		if err := g.SetMean(cfg.Mean); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("line generator %s: %d frames, %d foreground lines", dir, len(g.frames), len(g.index))
	return g, nil
}

// FrameCount returns the number of frames of the split.
func (g *LineGenerator) FrameCount() int { return len(g.frames) }

// LineCount returns the number of non-background lines of the split.
func (g *LineGenerator) LineCount() int { return len(g.index) }

// Frames returns the parsed frames. Callers must not modify them.
func (g *LineGenerator) Frames() []*Frame { return g.frames }

// ForegroundLines returns the non-background lines of frame i, in file order.
func (g *LineGenerator) ForegroundLines(i int) []Line {
	out := make([]Line, len(g.foreground[i]))
	for k, j := range g.foreground[i] {
		out[k] = g.frames[i].Lines[j]
	}
	return out
}

// ComputeMean returns the per-axis mean of the start and end points of all
// foreground lines, in a single pass over the split.
func (g *LineGenerator) ComputeMean() ([]float64, error) {
	if len(g.index) == 0 {
		return nil, errors.Errorf("no foreground lines in %s to compute a mean from", g.Dir)
	}
	axes := [MeanDims][]float64{}
	for a := range axes {
		axes[a] = make([]float64, 0, 2*len(g.index))
	}
	for _, ref := range g.index {
		l := &g.frames[ref.frame].Lines[ref.line]
		for _, p := range []r3.Vector{l.Start, l.End} {
			axes[0] = append(axes[0], p.X)
			axes[1] = append(axes[1], p.Y)
			axes[2] = append(axes[2], p.Z)
		}
	}
	mean := make([]float64, MeanDims)
	for a := range axes {
		mean[a] = stat.Mean(axes[a], nil)
	}
	return mean, nil
}

// SetMean fixes the vector subtracted from line endpoints. It must be
// called before the first iterator is created; later calls fail with
// ErrMeanFrozen unless they set the same value again.
func (g *LineGenerator) SetMean(mean []float64) error {
	if len(mean) != MeanDims {
		return errors.Errorf("mean must have %d values, got %d", MeanDims, len(mean))
	}
	if g.frozen {
		if equalFloats(g.mean, mean) {
			return nil
		}
		return ErrMeanFrozen
	}
	g.mean = append([]float64(nil), mean...)
	return nil
}

// Mean returns a copy of the mean in use, nil if none was set.
func (g *LineGenerator) Mean() []float64 {
	if g.mean == nil {
		return nil
	}
	return append([]float64(nil), g.mean...)
}

// Iterator returns a new batch sequence over the split. Iterators are
// independent of each other but are not safe for concurrent use.
func (g *LineGenerator) Iterator(batchSize, maxLineCount int) (*LineIterator, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if maxLineCount <= 0 {
		return nil, errors.Errorf("max line count must be > 0, got %d", maxLineCount)
	}
	g.frozen = true
	it := &LineIterator{
		gen:       g,
		batchSize: batchSize,
		maxLines:  maxLineCount,
	}
	if g.mean != nil {
		it.mean = r3.Vector{X: g.mean[0], Y: g.mean[1], Z: g.mean[2]}
	}
	it.Reset()
	return it, nil
}

// LineIterator is an infinite sequence of LineBatches: once every frame has
// been used it wraps around, reshuffling when the generator shuffles.
type LineIterator struct {
	gen       *LineGenerator
	batchSize int
	maxLines  int
	mean      r3.Vector

	order []int
	pos   int
	pass  int
	rng   *rand.Rand
}

// Reset restarts the sequence from its first pass.
func (it *LineIterator) Reset() {
	it.pass = 0
	it.pos = 0
	it.rng = rand.New(rand.NewSource(it.gen.cfg.Seed))
	it.order = it.passOrder(0)
}

// Pass returns the number of completed passes over the frames.
func (it *LineIterator) Pass() int { return it.pass }

// StepsPerEpoch is the number of batches that make one epoch.
func (it *LineIterator) StepsPerEpoch() int {
	return it.gen.FrameCount() / it.batchSize
}

func (it *LineIterator) passOrder(pass int) []int {
	n := it.gen.FrameCount()
	if it.gen.cfg.Shuffle {
		return permutation(n, it.gen.cfg.Seed, int64(pass))
	}
	return identity(n)
}

// Next returns the next batch of exactly batchSize frames.
func (it *LineIterator) Next() (*LineBatch, error) {
	g := it.gen
	batch := newLineBatch(it.batchSize, it.maxLines, g.cfg.ImageShape)
	for i := 0; i < it.batchSize; i++ {
		if it.pos >= len(it.order) {
			it.pass++
			it.pos = 0
			it.order = it.passOrder(it.pass)
			klog.V(1).Infof("line iterator %s: starting pass %d", g.Dir, it.pass)
		}
		fi := it.order[it.pos]
		it.pos++
		if err := it.fillFrame(batch, i, fi); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (it *LineIterator) fillFrame(batch *LineBatch, slot, fi int) error {
	g := it.gen
	frame := g.frames[fi]
	lines := append([]int(nil), g.foreground[fi]...)
	if g.cfg.Shuffle {
		it.rng.Shuffle(len(lines), func(a, b int) { lines[a], lines[b] = lines[b], lines[a] })
	}
	if len(lines) > it.maxLines {
		lines = lines[:it.maxLines]
	}

	flip := false
	if g.cfg.DataAugmentation {
		flip = it.rng.Float64() < 0.5
	}

	batch.FrameIDs[slot] = frame.ID
	batch.Counts[slot] = len(lines)
	for j, li := range lines {
		l := frame.Lines[li]
		l.Start = l.Start.Sub(it.mean)
		l.End = l.End.Sub(it.mean)
		if g.cfg.DataAugmentation {
			l.Start = l.Start.Add(it.jitter())
			l.End = l.End.Add(it.jitter())
		}
		if flip {
			l.Start.X, l.End.X = -l.Start.X, -l.End.X
			l.NormalA.X, l.NormalB.X = -l.NormalA.X, -l.NormalB.X
		}

		k := slot*it.maxLines + j
		copy(batch.LineGeometry(slot, j), l.Geometry())
		batch.Instances[k] = l.Instance
		batch.Classes[k] = l.Class
		batch.Mask[k] = 1

		if err := it.loadLineImage(batch.LineImage(slot, j), l.ImagePath, flip); err != nil {
			return errors.Wrapf(err, "frame %d line %d", frame.ID, li)
		}
	}
	return nil
}

func (it *LineIterator) jitter() r3.Vector {
	std := it.gen.cfg.JitterStd
	return r3.Vector{X: it.rng.NormFloat64() * std, Y: it.rng.NormFloat64() * std, Z: it.rng.NormFloat64() * std}
}

func (it *LineIterator) loadLineImage(dst []float32, path string, flip bool) error {
	shape := it.gen.cfg.ImageShape
	img, err := decodeImageFile(path)
	if err != nil {
		return err
	}
	img = resizeImage(img, shape.W, shape.H)
	writeBGR(dst, img, 3, flip)
	subtractMean(dst, it.gen.cfg.ImageMean[:])
	return nil
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package datasets

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEndOfData is returned by NextBatch when the requested batch would read
// past the stored data. The caller should Reset the cursor.
var ErrEndOfData = errors.New("end of data: batch would read past the last sample")

// Image types accepted by ImageGenerator.
const (
	ImageTypeBGR  = "bgr"
	ImageTypeBGRD = "bgr-d"
)

// ScaleSize is the (height, width) images are resized to.
type ScaleSize struct {
	H int `json:"h"`
	W int `json:"w"`
}

// DefaultScaleSize matches the input size of the AlexNet style feature
// extractor the patches were first used with.
var DefaultScaleSize = ScaleSize{H: 227, W: 227}

// ImageGeneratorConfig holds the options of an ImageGenerator.
type ImageGeneratorConfig struct {
	HorizontalFlip bool
	Shuffle        bool

	// ImageType is "bgr" (3 channels) or "bgr-d" (4 channels, depth last).
	ImageType string

	// Mean is the per-channel mean subtracted from every image. Its length
	// must match the number of channels. Nil means no subtraction.
	Mean []float32

	ScaleSize     ScaleSize
	ReadAsArchive bool
	Seed          int64
}

type imageSample struct {
	// Indexed samples.
	rgbPath   string
	depthPath string

	// Archive samples.
	rgb   *Patch
	depth *Patch

	labels   []float32
	lineType float32
}

// ImageGenerator serves batches of line image patches with their labels and
// line types. Its samples are immutable after construction: all iteration
// state lives in Cursor values owned by the caller.
type ImageGenerator struct {
	cfg      ImageGeneratorConfig
	channels int
	labelLen int
	samples  []imageSample
}

// NewImageGenerator loads the samples listed by classList. With
// ReadAsArchive every entry is a gob archive and all of them are merged;
// otherwise only the first entry is read, as an index file.
func NewImageGenerator(classList []string, cfg ImageGeneratorConfig) (*ImageGenerator, error) {
	g := &ImageGenerator{cfg: cfg}
	switch cfg.ImageType {
	case ImageTypeBGR:
		g.channels = 3
	case ImageTypeBGRD:
		g.channels = 4
	default:
		return nil, errors.Errorf("image type must be %q or %q, got %q", ImageTypeBGR, ImageTypeBGRD, cfg.ImageType)
	}
	if cfg.Mean == nil {
		g.cfg.Mean = make([]float32, g.channels)
	} else if len(cfg.Mean) != g.channels {
		return nil, errors.Errorf("mean of image type %s must have %d values, got %d", cfg.ImageType, g.channels, len(cfg.Mean))
	}
	if len(classList) == 0 {
		return nil, errors.New("empty class list")
	}
	if g.cfg.ScaleSize == (ScaleSize{}) {
		g.cfg.ScaleSize = DefaultScaleSize
	}
	if g.cfg.ScaleSize.H <= 0 || g.cfg.ScaleSize.W <= 0 {
		return nil, errors.Errorf("invalid scale size %+v", g.cfg.ScaleSize)
	}

	var err error
	if cfg.ReadAsArchive {
		g.labelLen = ArchiveLabelLen
		err = g.readArchives(classList)
	} else {
		g.labelLen = IndexedLabelLen
		if len(classList) > 1 {
			klog.Warningf("indexed image generator reads only %s, ignoring %d more files", classList[0], len(classList)-1)
		}
		err = g.readIndex(classList[0])
	}
	if err != nil {
		return nil, err
	}
	klog.Infof("image generator: data size %d (%s, archive=%v)", len(g.samples), cfg.ImageType, cfg.ReadAsArchive)
	return g, nil
}

func (g *ImageGenerator) readArchives(paths []string) error {
	a, err := LoadArchives(paths, g.cfg.ImageType == ImageTypeBGRD)
	if err != nil {
		return err
	}
	for _, s := range a.flatten() {
		g.samples = append(g.samples, imageSample{
			rgb:      s.rgb,
			depth:    s.depth,
			labels:   s.labels,
			lineType: s.lineType,
		})
	}
	return nil
}

// readIndex parses rows of `path l1 .. lk line_type label`: the labels are
// the values between the path and the line type followed by the last value.
func (g *ImageGenerator) readIndex(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open index %s", path)
	}
	defer f.Close()
	dir := filepath.Dir(path)

	scanner := bufio.NewScanner(f)
	row := 0
	for scanner.Scan() {
		row++
		items := strings.Fields(scanner.Text())
		if len(items) == 0 {
			continue
		}
		if len(items) != IndexedLabelLen+2 {
			return errors.Errorf("%s:%d: expected %d fields, got %d", path, row, IndexedLabelLen+2, len(items))
		}
		s := imageSample{rgbPath: items[0]}
		if !filepath.IsAbs(s.rgbPath) {
			s.rgbPath = filepath.Join(dir, s.rgbPath)
		}
		if g.cfg.ImageType == ImageTypeBGRD {
			s.depthPath = depthPathFor(s.rgbPath)
		}
		last := len(items) - 1
		for _, v := range append(append([]string{}, items[1:last-1]...), items[last]) {
			x, err := parseFloat32(v)
			if err != nil {
				return errors.Wrapf(err, "%s:%d: label", path, row)
			}
			s.labels = append(s.labels, x)
		}
		lt, err := parseInt32(items[last-1])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: line type", path, row)
		}
		if !LineType(lt).Valid() {
			return errors.Errorf("%s:%d: line type %d out of range [0, 3]", path, row, lt)
		}
		s.lineType = float32(lt)
		g.samples = append(g.samples, s)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read index %s", path)
	}
	return nil
}

// depthPathFor derives the depth image path of a color image path.
func depthPathFor(rgbPath string) string {
	return strings.ReplaceAll(rgbPath, ModalityRGB, ModalityDepth)
}

// DataSize returns the number of samples.
func (g *ImageGenerator) DataSize() int { return len(g.samples) }

// Channels returns 3 for bgr and 4 for bgr-d.
func (g *ImageGenerator) Channels() int { return g.channels }

// LabelLen returns 7 for archives and 4 for index files.
func (g *ImageGenerator) LabelLen() int { return g.labelLen }

// Cursor is a position in one pass over an ImageGenerator. It is a value:
// advancing returns a new Cursor and leaves the old one valid.
type Cursor struct {
	Pos   int
	Epoch int
	order []int
}

// Start returns the cursor of the first pass.
func (g *ImageGenerator) Start() Cursor {
	return Cursor{order: g.orderFor(0)}
}

// Reset returns a cursor at position 0 of the next pass, reshuffled when the
// generator shuffles.
func (g *ImageGenerator) Reset(c Cursor) Cursor {
	return Cursor{Epoch: c.Epoch + 1, order: g.orderFor(c.Epoch + 1)}
}

// SetPointer returns c moved to position i.
func (g *ImageGenerator) SetPointer(c Cursor, i int) Cursor {
	c.Pos = i
	return c
}

func (g *ImageGenerator) orderFor(epoch int) []int {
	if !g.cfg.Shuffle {
		return nil
	}
	return permutation(len(g.samples), g.cfg.Seed, int64(epoch))
}

func (c Cursor) index(i int) int {
	if c.order == nil {
		return i
	}
	return c.order[i]
}

// ImageBatch is a batch of image patches in flat row-major buffers.
type ImageBatch struct {
	BatchSize int
	Shape     ImageShape
	LabelLen  int

	Images    []float32 // (BatchSize, H, W, C)
	Labels    []float32 // (BatchSize, LabelLen)
	LineTypes []float32 // (BatchSize, 1), remapped into [-1, 1]
}

// Label returns the labels of sample i.
func (b *ImageBatch) Label(i int) []float32 {
	return b.Labels[i*b.LabelLen : (i+1)*b.LabelLen]
}

// Image returns the pixels of sample i.
func (b *ImageBatch) Image(i int) []float32 {
	size := b.Shape.Size()
	return b.Images[i*size : (i+1)*size]
}

// ToGomlxTensors returns inputs [images, line types] and labels [labels].
func (b *ImageBatch) ToGomlxTensors() ([]*tensors.Tensor, []*tensors.Tensor, error) {
	if b.BatchSize == 0 {
		return nil, nil, errors.New("empty image batch")
	}
	images := tensors.FromFlatDataAndDimensions(b.Images, b.BatchSize, b.Shape.H, b.Shape.W, b.Shape.C)
	lineTypes := tensors.FromFlatDataAndDimensions(b.LineTypes, b.BatchSize, 1)
	labels := tensors.FromFlatDataAndDimensions(b.Labels, b.BatchSize, b.LabelLen)
	return []*tensors.Tensor{images, lineTypes}, []*tensors.Tensor{labels}, nil
}

// NextBatch reads batchSize samples starting at c.Pos and returns them with
// the advanced cursor. If fewer than batchSize samples remain it returns
// ErrEndOfData and c unchanged.
func (g *ImageGenerator) NextBatch(c Cursor, batchSize int) (*ImageBatch, Cursor, error) {
	if batchSize <= 0 {
		return nil, c, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if c.Pos < 0 || c.Pos+batchSize > len(g.samples) {
		return nil, c, ErrEndOfData
	}
	shape := ImageShape{H: g.cfg.ScaleSize.H, W: g.cfg.ScaleSize.W, C: g.channels}
	b := &ImageBatch{
		BatchSize: batchSize,
		Shape:     shape,
		LabelLen:  g.labelLen,
		Images:    make([]float32, batchSize*shape.Size()),
		Labels:    make([]float32, 0, batchSize*g.labelLen),
		LineTypes: make([]float32, batchSize),
	}
	rng := rand.New(rand.NewSource(g.cfg.Seed*1_000_003 + int64(c.Epoch)*7_919 + int64(c.Pos)))
	for i := 0; i < batchSize; i++ {
		s := &g.samples[c.index(c.Pos+i)]
		flip := g.cfg.HorizontalFlip && rng.Float64() < 0.5
		if err := g.loadSample(b.Image(i), s, flip); err != nil {
			return nil, c, err
		}
		b.Labels = append(b.Labels, s.labels...)
		b.LineTypes[i] = RemapLineType(s.lineType)
	}
	next := c
	next.Pos += batchSize
	return b, next, nil
}

func (g *ImageGenerator) loadSample(dst []float32, s *imageSample, flip bool) error {
	w, h := g.cfg.ScaleSize.W, g.cfg.ScaleSize.H
	if s.rgb != nil {
		img := bgrToImage(s.rgb.Image.Pix, s.rgb.Image.W, s.rgb.Image.H)
		writeBGR(dst, resizeImage(img, w, h), g.channels, flip)
		if g.channels == 4 {
			d := depthToImage(s.depth.Image.Depth, s.depth.Image.W, s.depth.Image.H)
			writeDepth(dst, resizeImage(d, w, h), g.channels, 3, flip)
		}
	} else {
		img, err := decodeImageFile(s.rgbPath)
		if err != nil {
			return err
		}
		writeBGR(dst, resizeImage(img, w, h), g.channels, flip)
		if g.channels == 4 {
			d, err := decodeImageFile(s.depthPath)
			if err != nil {
				return err
			}
			writeDepth(dst, resizeImage(d, w, h), g.channels, 3, flip)
		}
	}
	subtractMean(dst, g.cfg.Mean)
	return nil
}

// Centers returns the (BatchSize, 3) line centers of the batch. Index file
// labels already hold the center; archive labels hold both endpoints.
func (b *ImageBatch) Centers() ([]float32, error) {
	out := make([]float32, 0, b.BatchSize*3)
	for i := 0; i < b.BatchSize; i++ {
		l := b.Label(i)
		if b.LabelLen == ArchiveLabelLen {
			c, err := LineCenterLabels(l)
			if err != nil {
				return nil, err
			}
			l = c
		}
		out = append(out, l[:3]...)
	}
	return out, nil
}

// InstanceLabels returns the last label column, the line instance.
func (b *ImageBatch) InstanceLabels() []float32 {
	out := make([]float32, b.BatchSize)
	for i := range out {
		out[i] = b.Labels[(i+1)*b.LabelLen-1]
	}
	return out
}

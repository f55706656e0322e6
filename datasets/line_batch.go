package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// LineBatch stores a batch of frames in flat, row-major buffers. Shapes are
// static: every frame occupies MaxLines slots whether it has that many lines
// or not; unused slots are zero with Mask 0 and Instances/Classes -1.
type LineBatch struct {
	BatchSize int
	MaxLines  int
	Image     ImageShape
	NumAttr   int

	Images    []float32 // (BatchSize, MaxLines, H, W, C)
	Geometry  []float32 // (BatchSize, MaxLines, NumAttr)
	Instances []int32   // (BatchSize, MaxLines)
	Classes   []int32   // (BatchSize, MaxLines)
	Mask      []float32 // (BatchSize, MaxLines)

	// Counts is the number of real lines of each frame, capped at MaxLines.
	Counts   []int
	FrameIDs []int
}

func newLineBatch(batchSize, maxLines int, shape ImageShape) *LineBatch {
	n := batchSize * maxLines
	b := &LineBatch{
		BatchSize: batchSize,
		MaxLines:  maxLines,
		Image:     shape,
		NumAttr:   LineNumAttr,
		Images:    make([]float32, n*shape.Size()),
		Geometry:  make([]float32, n*LineNumAttr),
		Instances: make([]int32, n),
		Classes:   make([]int32, n),
		Mask:      make([]float32, n),
		Counts:    make([]int, batchSize),
		FrameIDs:  make([]int, batchSize),
	}
	for i := range b.Instances {
		b.Instances[i] = -1
		b.Classes[i] = -1
	}
	return b
}

// NewZeroLineBatch returns an all-padding batch with the given static shape.
func NewZeroLineBatch(batchSize, maxLines int, shape ImageShape) *LineBatch {
	return newLineBatch(batchSize, maxLines, shape)
}

// ImagesDims returns the dimensions of the Images buffer.
func (b *LineBatch) ImagesDims() []int {
	return []int{b.BatchSize, b.MaxLines, b.Image.H, b.Image.W, b.Image.C}
}

// GeometryDims returns the dimensions of the Geometry buffer.
func (b *LineBatch) GeometryDims() []int {
	return []int{b.BatchSize, b.MaxLines, b.NumAttr}
}

// LineImage returns the slice of Images holding the image of line `line`
// of frame `frame`.
func (b *LineBatch) LineImage(frame, line int) []float32 {
	size := b.Image.Size()
	off := (frame*b.MaxLines + line) * size
	return b.Images[off : off+size]
}

// LineGeometry returns the geometry vector of line `line` of frame `frame`.
func (b *LineBatch) LineGeometry(frame, line int) []float32 {
	off := (frame*b.MaxLines + line) * b.NumAttr
	return b.Geometry[off : off+b.NumAttr]
}

// MaskSums returns the number of valid slots of each frame.
func (b *LineBatch) MaskSums() []int {
	sums := make([]int, b.BatchSize)
	for i := 0; i < b.BatchSize; i++ {
		for j := 0; j < b.MaxLines; j++ {
			if b.Mask[i*b.MaxLines+j] > 0 {
				sums[i]++
			}
		}
	}
	return sums
}

// ToGomlxTensors converts the batch into gomlx tensors. Inputs are
// [images, geometry, mask]; labels are [instances (as float32), mask].
func (b *LineBatch) ToGomlxTensors() ([]*tensors.Tensor, []*tensors.Tensor, error) {
	if b.BatchSize == 0 || b.MaxLines == 0 {
		return nil, nil, errors.New("empty line batch")
	}
	instances := make([]float32, len(b.Instances))
	for i, v := range b.Instances {
		instances[i] = float32(v)
	}
	images := tensors.FromFlatDataAndDimensions(b.Images, b.ImagesDims()...)
	geometry := tensors.FromFlatDataAndDimensions(b.Geometry, b.GeometryDims()...)
	mask := tensors.FromFlatDataAndDimensions(b.Mask, b.BatchSize, b.MaxLines)
	labels := tensors.FromFlatDataAndDimensions(instances, b.BatchSize, b.MaxLines)
	labelMask := tensors.FromFlatDataAndDimensions(append([]float32(nil), b.Mask...), b.BatchSize, b.MaxLines)
	return []*tensors.Tensor{images, geometry, mask}, []*tensors.Tensor{labels, labelMask}, nil
}

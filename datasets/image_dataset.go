package datasets

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// ImageDataset adapts an ImageGenerator to gomlx's train.Dataset. One epoch
// is floor(DataSize/BatchSize) batches; the remainder is never read.
type ImageDataset struct {
	name      string
	gen       *ImageGenerator
	batchSize int
	cursor    Cursor
}

var _ train.Dataset = (*ImageDataset)(nil)

// NewImageDataset wraps gen, starting at its first pass.
func NewImageDataset(name string, gen *ImageGenerator, batchSize int) *ImageDataset {
	return &ImageDataset{name: name, gen: gen, batchSize: batchSize, cursor: gen.Start()}
}

// Name implements train.Dataset.
func (ds *ImageDataset) Name() string { return ds.name }

// Cursor returns the current position.
func (ds *ImageDataset) Cursor() Cursor { return ds.cursor }

// StepsPerEpoch is the number of full batches in one pass.
func (ds *ImageDataset) StepsPerEpoch() int { return ds.gen.DataSize() / ds.batchSize }

// Next returns the next batch, or io.EOF at the end of the pass.
func (ds *ImageDataset) Next() (*ImageBatch, error) {
	b, next, err := ds.gen.NextBatch(ds.cursor, ds.batchSize)
	if err == ErrEndOfData {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	ds.cursor = next
	return b, nil
}

// Yield implements train.Dataset.
func (ds *ImageDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, err := ds.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, labels, err = b.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return ds.name, inputs, labels, nil
}

// Reset implements train.Dataset: the next pass starts at position 0 of a
// new epoch.
func (ds *ImageDataset) Reset() {
	ds.cursor = ds.gen.Reset(ds.cursor)
}

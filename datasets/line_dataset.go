package datasets

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// LineDataset adapts a LineIterator to gomlx's train.Dataset.
//
// In Infinite mode Yield never returns io.EOF, matching a training loop
// driven by a step count. Otherwise one epoch is StepsPerEpoch batches and
// Yield returns io.EOF after it; Reset starts a new epoch.
type LineDataset struct {
	name     string
	it       *LineIterator
	Infinite bool

	yielded int
	last    *LineBatch
}

var _ train.Dataset = (*LineDataset)(nil)

// NewLineDataset wraps it under the given name.
func NewLineDataset(name string, it *LineIterator, infinite bool) *LineDataset {
	return &LineDataset{name: name, it: it, Infinite: infinite}
}

// Name implements train.Dataset.
func (ds *LineDataset) Name() string { return ds.name }

// Next returns the next LineBatch, honoring the epoch bound in finite mode.
func (ds *LineDataset) Next() (*LineBatch, error) {
	if !ds.Infinite && ds.yielded >= ds.it.StepsPerEpoch() {
		return nil, io.EOF
	}
	b, err := ds.it.Next()
	if err != nil {
		return nil, err
	}
	ds.yielded++
	ds.last = b
	return b, nil
}

// StepsPerEpoch forwards to the underlying iterator.
func (ds *LineDataset) StepsPerEpoch() int { return ds.it.StepsPerEpoch() }

// Last returns the batch most recently yielded, nil before the first one.
func (ds *LineDataset) Last() *LineBatch { return ds.last }

// Yield implements train.Dataset. The spec returned is the dataset name,
// which is constant so gomlx reuses one compiled graph.
func (ds *LineDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
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

// Reset implements train.Dataset. In finite mode it starts a new epoch
// without rewinding the iterator, so consecutive epochs see new frames;
// Rewind restarts from the first pass.
func (ds *LineDataset) Reset() {
	ds.yielded = 0
}

// Rewind restarts the underlying iterator at pass 0.
func (ds *LineDataset) Rewind() {
	ds.yielded = 0
	ds.it.Reset()
}

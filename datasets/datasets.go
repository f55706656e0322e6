package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This file provides the data-feeding side of LineNet training: per-frame
// line records read from disk and assembled into fixed-shape batches, plus
// the legacy image-patch generator used by triplet pretraining.
//
// Layout and intended usage:
//
// LineGenerator
//   - Parses every lines_with_labels_<frame>.txt file of a split directory
//     at construction, validating rows eagerly.
//   - Builds an index of (frame, line) pairs excluding background classes.
//   - Hands out LineIterators: restartable, infinite batch sequences that
//     wrap around (and reshuffle when asked to) once the frames run out.
//   - Every LineBatch has a static shape (batch, max_line_count, ...)
//     regardless of how many real lines the frames contain; padding is
//     marked in the Mask.
//
// ImageGenerator
//   - Loads line image patches either from gob archives (nested
//     dataset/trajectory/frame/modality/line records, merged by deep union)
//     or from a flat whitespace-delimited index file.
//   - Batches are read through an explicit Cursor value instead of an
//     internal pointer, so two passes never interfere with each other.
//
// Both generators have gomlx train.Dataset adapters (LineDataset,
// ImageDataset) so they can be fed to gomlx training loops directly.

// Batcher is the minimal interface the training code needs from a batch
// source. LineIterator implements it.
type Batcher interface {
	Next() (*LineBatch, error)
	StepsPerEpoch() int
}

// TensorBatch is implemented by batches that can be converted into the
// inputs/labels pair gomlx trainers consume.
type TensorBatch interface {
	ToGomlxTensors() (inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)
}

package training

import (
	"io"

	"github.com/Noofbiz/linenet/datasets"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// newBackend returns the backend named by config, "<name>:<options>" like
// "xla:cpu" or "go". Empty means $GOMLX_BACKEND, falling back to XLA.
// Training the image features needs the gradients of convolutions and max
// pooling, which only XLA provides.
func newBackend(config string) (backends.Backend, error) {
	var (
		backend backends.Backend
		err     error
	)
	if config == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create gomlx backend %q", config)
	}
	return backend, nil
}

// stepDataset yields the next steps batches of a Batcher as a finite
// train.Dataset. Reset starts a new count without rewinding the Batcher.
type stepDataset struct {
	name    string
	b       datasets.Batcher
	steps   int
	yielded int
}

var _ train.Dataset = (*stepDataset)(nil)

func newStepDataset(name string, b datasets.Batcher, steps int) *stepDataset {
	return &stepDataset{name: name, b: b, steps: steps}
}

func (ds *stepDataset) Name() string { return ds.name }

func (ds *stepDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.yielded >= ds.steps {
		return nil, nil, nil, io.EOF
	}
	batch, err := ds.b.Next()
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "batch %d", ds.yielded)
	}
	inputs, labels, err = batch.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "batch %d", ds.yielded)
	}
	ds.yielded++
	return ds.name, inputs, labels, nil
}

func (ds *stepDataset) Reset() { ds.yielded = 0 }

package training

import (
	"github.com/Noofbiz/linenet/checkpoints"
	"github.com/Noofbiz/linenet/datasets"
)

// Metrics maps a metric name ("loss", "val_loss", ...) to its epoch value.
type Metrics map[string]float64

// SnapshotOptions selects what Model.Snapshot returns.
type SnapshotOptions struct {
	// IncludeOptimizer adds the optimizer state variables.
	IncludeOptimizer bool

	// Trainable, when set, replaces the live trainable flag of every
	// variable in the snapshot.
	Trainable func(scope string) bool
}

// Model is what the Driver needs from a trainable line embedding model.
// This keeps the driver independent of gomlx: LineNet implements it, and
// tests use a fake.
type Model interface {
	// TrainEpoch runs steps optimization steps on batches from b.
	TrainEpoch(b datasets.Batcher, steps int) (Metrics, error)

	// Evaluate computes the loss over steps batches without training.
	Evaluate(b datasets.Batcher, steps int) (Metrics, error)

	// Embed returns one embedding per batch slot, padding included.
	Embed(batch *datasets.LineBatch) ([][]float32, error)

	// ApplyTrainable sets the trainable flag of every model variable from
	// its scope and returns how many variables are trainable afterwards.
	ApplyTrainable(trainable func(scope string) bool) int

	// Recompile discards compiled training graphs so a changed set of
	// trainable variables takes effect. Loss, optimizer and metrics are
	// unchanged.
	Recompile()

	Snapshot(opts SnapshotOptions) ([]checkpoints.WeightTensor, error)

	// Restore assigns the variables of a snapshot by name. Variables of the
	// model absent from the snapshot keep their values.
	Restore(vars []checkpoints.WeightTensor) (checkpoints.LoadReport, error)
}

// Sink receives per-epoch metrics and artifacts. monitor.DB implements it.
type Sink interface {
	WriteScalars(epoch, step int, values map[string]float64) error
	WriteImage(epoch int, tag, path string) error
}

type nopSink struct{}

func (nopSink) WriteScalars(int, int, map[string]float64) error { return nil }
func (nopSink) WriteImage(int, string, string) error            { return nil }

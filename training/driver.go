package training

import (
	"context"
	"time"

	"github.com/Noofbiz/linenet/checkpoints"
	"github.com/Noofbiz/linenet/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverConfig controls an epoch-based training run.
type DriverConfig struct {
	// NumEpochs is the absolute number of epochs; a resumed run trains
	// epochs InitialEpoch..NumEpochs-1.
	NumEpochs int

	// InitialEpoch is the number of epochs already trained. When > 0 the
	// run resumes from the weights-only snapshot of that epoch.
	InitialEpoch int

	// StepsPerEpoch is the number of training batches per epoch, usually
	// floor(train frames / batch size).
	StepsPerEpoch int

	// ValidationSteps is the number of validation batches per epoch. Zero
	// means one full pass.
	ValidationSteps int

	// BatchSize and MaxLineCount shape the validation and test batches.
	BatchSize    int
	MaxLineCount int

	// LogDir receives checkpoints, inference outputs and the monitor.
	LogDir string

	// ResumeDir holds the snapshot to resume from. Empty means LogDir.
	ResumeDir string

	// PretrainedWeights is an optional snapshot loaded by name before a
	// fresh run, typically the pretrained image features.
	PretrainedWeights string

	Schedule Schedule

	// InferenceK is the neighborhood size of the held-out evaluation.
	InferenceK int
}

// Splits are the data sources of a run. Validation and Test are optional.
type Splits struct {
	Train      datasets.Batcher
	Validation *datasets.LineGenerator
	Test       *datasets.LineGenerator
}

// Transition records a change of the trainable parameter groups.
type Transition struct {
	Epoch      int
	Groups     []string
	GlobalStep int
}

// EpochState is passed to the end-of-epoch callbacks.
type EpochState struct {
	// Epoch is the 0-based epoch that just finished.
	Epoch      int
	GlobalStep int
	Metrics    Metrics
}

// Driver trains a Model epoch by epoch, running the end-of-epoch callbacks
// in a fixed order: full checkpoint, metrics, weights-only checkpoint,
// held-out inference and stage transitions.
type Driver struct {
	cfg    DriverConfig
	model  Model
	splits Splits
	sink   Sink

	callbacks   []Callback
	transitions []Transition
}

// NewDriver validates cfg and builds the callback chain. sink may be nil.
func NewDriver(cfg DriverConfig, model Model, splits Splits, sink Sink) (*Driver, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}
	if splits.Train == nil {
		return nil, errors.New("no training data")
	}
	if cfg.NumEpochs <= 0 {
		return nil, errors.Errorf("num epochs must be > 0, got %d", cfg.NumEpochs)
	}
	if cfg.InitialEpoch < 0 || cfg.InitialEpoch >= cfg.NumEpochs {
		return nil, errors.Errorf("initial epoch %d outside [0, %d)", cfg.InitialEpoch, cfg.NumEpochs)
	}
	if cfg.StepsPerEpoch == 0 {
		cfg.StepsPerEpoch = splits.Train.StepsPerEpoch()
	}
	if cfg.StepsPerEpoch <= 0 {
		return nil, errors.New("training split yields no full batch per epoch")
	}
	if cfg.LogDir == "" {
		return nil, errors.New("empty log dir")
	}
	if cfg.ResumeDir == "" {
		cfg.ResumeDir = cfg.LogDir
	}
	if (splits.Validation != nil || splits.Test != nil) && (cfg.BatchSize <= 0 || cfg.MaxLineCount <= 0) {
		return nil, errors.New("batch size and max line count are needed for validation and test")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid schedule")
	}
	if sink == nil {
		sink = nopSink{}
	}
	d := &Driver{cfg: cfg, model: model, splits: splits, sink: sink}
	d.callbacks = []Callback{
		&checkpointCallback{d: d},
		&metricsCallback{d: d},
		&weightsOnlyCallback{d: d},
	}
	if splits.Test != nil {
		d.callbacks = append(d.callbacks, &inferenceCallback{d: d})
	}
	d.callbacks = append(d.callbacks, &unfreezeCallback{d: d})
	return d, nil
}

// Transitions returns the stage transitions applied so far.
func (d *Driver) Transitions() []Transition { return d.transitions }

// Config returns the effective configuration.
func (d *Driver) Config() DriverConfig { return d.cfg }

// GlobalStep returns the number of training steps done by the end of the
// 0-based epoch, counted from absolute epoch 0.
func (d *Driver) GlobalStep(epoch int) int {
	return (epoch + 1) * d.cfg.StepsPerEpoch
}

// Run restores weights, applies the schedule and trains until NumEpochs.
// Cancellation is checked between epochs.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.restore(); err != nil {
		return err
	}
	n := d.model.ApplyTrainable(d.cfg.Schedule.TrainableAt(d.cfg.InitialEpoch))
	klog.Infof("starting at epoch %d with %d trainable variables", d.cfg.InitialEpoch, n)

	for epoch := d.cfg.InitialEpoch; epoch < d.cfg.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		klog.Infof("epoch %d/%d", epoch+1, d.cfg.NumEpochs)

		metrics, err := d.model.TrainEpoch(d.splits.Train, d.cfg.StepsPerEpoch)
		if err != nil {
			return errors.Wrapf(err, "train epoch %d", epoch+1)
		}
		if metrics == nil {
			metrics = Metrics{}
		}
		if d.splits.Validation != nil {
			vm, err := d.validate()
			if err != nil {
				return errors.Wrapf(err, "validate epoch %d", epoch+1)
			}
			for k, v := range vm {
				metrics["val_"+k] = v
			}
		}

		state := &EpochState{Epoch: epoch, GlobalStep: d.GlobalStep(epoch), Metrics: metrics}
		for _, cb := range d.callbacks {
			if err := cb.OnEpochEnd(ctx, state); err != nil {
				return errors.Wrapf(err, "epoch %d: %s", epoch+1, cb.Name())
			}
		}
		klog.Infof("epoch %d done in %s: %v", epoch+1, time.Since(start).Round(time.Millisecond), metrics)
	}
	return nil
}

func (d *Driver) restore() error {
	var path string
	switch {
	case d.cfg.InitialEpoch > 0:
		path = checkpoints.Path(d.cfg.ResumeDir, checkpoints.KindWeightsOnly, d.cfg.InitialEpoch)
	case d.cfg.PretrainedWeights != "":
		path = d.cfg.PretrainedWeights
	default:
		return nil
	}
	snap, err := checkpoints.Load(path)
	if err != nil {
		return errors.Wrap(err, "load weights")
	}
	report, err := d.model.Restore(snap.Variables)
	if err != nil {
		return errors.Wrapf(err, "restore %s", path)
	}
	report.Log(path)
	return nil
}

// validate runs ValidationSteps batches of a fresh validation pass.
func (d *Driver) validate() (Metrics, error) {
	it, err := d.splits.Validation.Iterator(d.cfg.BatchSize, d.cfg.MaxLineCount)
	if err != nil {
		return nil, err
	}
	steps := d.cfg.ValidationSteps
	if steps == 0 {
		steps = it.StepsPerEpoch()
	}
	if steps == 0 {
		return Metrics{}, nil
	}
	return d.model.Evaluate(datasets.NewLineDataset("validation", it, false), steps)
}

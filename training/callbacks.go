package training

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/Noofbiz/linenet/checkpoints"
	"github.com/Noofbiz/linenet/inference"
	"k8s.io/klog/v2"
)

// Callback runs at the end of every epoch.
type Callback interface {
	Name() string
	OnEpochEnd(ctx context.Context, s *EpochState) error
}

// checkpointCallback saves every variable, optimizer state included.
type checkpointCallback struct{ d *Driver }

func (c *checkpointCallback) Name() string { return "checkpoint" }

func (c *checkpointCallback) OnEpochEnd(_ context.Context, s *EpochState) error {
	vars, err := c.d.model.Snapshot(SnapshotOptions{IncludeOptimizer: true})
	if err != nil {
		return err
	}
	return checkpoints.Save(checkpoints.Path(c.d.cfg.LogDir, checkpoints.KindFull, s.Epoch+1), &checkpoints.Snapshot{
		Header:    checkpoints.Header{Kind: checkpoints.KindFull, Epoch: s.Epoch + 1, Step: s.GlobalStep},
		Variables: vars,
	})
}

type metricsCallback struct{ d *Driver }

func (c *metricsCallback) Name() string { return "metrics" }

func (c *metricsCallback) OnEpochEnd(_ context.Context, s *EpochState) error {
	return c.d.sink.WriteScalars(s.Epoch, s.GlobalStep, s.Metrics)
}

// weightsOnlyCallback saves the model variables with their deployment
// trainability, then puts the live flags back to the schedule's state for
// the next epoch.
type weightsOnlyCallback struct{ d *Driver }

func (c *weightsOnlyCallback) Name() string { return "weights-only" }

func (c *weightsOnlyCallback) OnEpochEnd(_ context.Context, s *EpochState) error {
	sched := c.d.cfg.Schedule
	vars, err := c.d.model.Snapshot(SnapshotOptions{Trainable: sched.DeploymentTrainable})
	if err != nil {
		return err
	}
	err = checkpoints.Save(checkpoints.Path(c.d.cfg.LogDir, checkpoints.KindWeightsOnly, s.Epoch+1), &checkpoints.Snapshot{
		Header:    checkpoints.Header{Kind: checkpoints.KindWeightsOnly, Epoch: s.Epoch + 1, Step: s.GlobalStep},
		Variables: vars,
	})
	if err != nil {
		return err
	}
	c.d.model.ApplyTrainable(sched.TrainableAt(s.Epoch + 1))
	return nil
}

// inferenceCallback evaluates the embeddings on the test split. It blocks
// the training loop until done.
type inferenceCallback struct{ d *Driver }

func (c *inferenceCallback) Name() string { return "inference" }

func (c *inferenceCallback) OnEpochEnd(ctx context.Context, s *EpochState) error {
	cfg := c.d.cfg
	summary, err := inference.Run(ctx, c.d.model, c.d.splits.Test, inference.Options{
		LogDir:       cfg.LogDir,
		Epoch:        s.Epoch,
		BatchSize:    cfg.BatchSize,
		MaxLineCount: cfg.MaxLineCount,
		K:            cfg.InferenceK,
	})
	if err != nil {
		return err
	}
	if err := c.d.sink.WriteScalars(s.Epoch, s.GlobalStep, summary.Scalars()); err != nil {
		return err
	}
	if summary.PlotPath != "" {
		tag := "inference/" + strings.TrimSuffix(filepath.Base(summary.PlotPath), filepath.Ext(summary.PlotPath))
		return c.d.sink.WriteImage(s.Epoch, tag, summary.PlotPath)
	}
	return nil
}

// unfreezeCallback applies the schedule's stage transitions and recompiles
// the training graph.
type unfreezeCallback struct{ d *Driver }

func (c *unfreezeCallback) Name() string { return "unfreeze" }

func (c *unfreezeCallback) OnEpochEnd(_ context.Context, s *EpochState) error {
	stages := c.d.cfg.Schedule.TransitionsAt(s.Epoch)
	if len(stages) == 0 {
		return nil
	}
	var groups []string
	for _, st := range stages {
		groups = append(groups, st.Unfreeze...)
	}
	n := c.d.model.ApplyTrainable(c.d.cfg.Schedule.TrainableAt(s.Epoch + 1))
	c.d.model.Recompile()
	t := Transition{Epoch: s.Epoch, Groups: groups, GlobalStep: s.GlobalStep}
	c.d.transitions = append(c.d.transitions, t)
	klog.Infof("unfroze %s at the end of epoch %d (global step %d), %d trainable variables",
		strings.Join(groups, ", "), s.Epoch, s.GlobalStep, n)
	return nil
}

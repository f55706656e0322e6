// linenet trains line embedding models.
//
// Modes:
//
//	train    LineNet on per-frame line records, with resume, staged unfreezing
//	         of the image features, checkpoints and held-out inference.
//	triplet  the image patch model with a batch-all triplet loss; its weights
//	         can seed LineNet's image features through -pretrained-weights.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Noofbiz/linenet/datasets"
	"github.com/Noofbiz/linenet/monitor"
	"github.com/Noofbiz/linenet/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cfg, flags, err := resolveConfig(flag.CommandLine, os.Args[1:], time.Now())
	if err != nil {
		klog.Fatalf("config: %+v", err)
	}
	if flags.printConfig {
		out, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(out))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mode {
	case "triplet":
		err = runTriplet(ctx, cfg)
	default:
		err = runTrain(ctx, cfg)
	}
	if err != nil {
		klog.Fatalf("%s failed: %+v", cfg.Mode, err)
	}
	klog.Flush()
}

// openRun prepares the log directory, saves the effective config next to
// the outputs and opens the monitor.
func openRun(cfg *Config) (*monitor.DB, error) {
	logDir := cfg.Training.LogDir
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", logDir)
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(logDir, "config.json"), out, 0644); err != nil {
		return nil, errors.Wrap(err, "save effective config")
	}
	db, err := monitor.Open(filepath.Join(logDir, monitor.FileName))
	if err != nil {
		return nil, err
	}
	runID, err := db.StartRun(logDir, cfg.Training.PastEpoch)
	if err != nil {
		db.Close()
		return nil, err
	}
	klog.Infof("run %s logging to %s", runID, logDir)
	return db, nil
}

func runTrain(ctx context.Context, cfg *Config) error {
	shape := cfg.imageShape()
	split := func(dir string, train bool) (*datasets.LineGenerator, error) {
		return datasets.NewLineGenerator(dir, datasets.LineGeneratorConfig{
			Background:       cfg.Data.BackgroundClasses,
			Shuffle:          train,
			Sort:             !train,
			DataAugmentation: train,
			ImageShape:       shape,
			Seed:             cfg.Data.Seed,
		})
	}

	trainGen, err := split(cfg.Data.TrainDir, true)
	if err != nil {
		return err
	}
	mean := cfg.Data.TrainSetMean
	if len(mean) == 0 {
		if mean, err = trainGen.ComputeMean(); err != nil {
			return err
		}
		cfg.Data.TrainSetMean = mean
	}
	klog.Infof("train set mean %v", mean)
	if err := trainGen.SetMean(mean); err != nil {
		return err
	}

	splits := training.Splits{}
	for _, s := range []struct {
		dir string
		dst **datasets.LineGenerator
	}{{cfg.Data.ValDir, &splits.Validation}, {cfg.Data.TestDir, &splits.Test}} {
		if s.dir == "" {
			continue
		}
		gen, err := split(s.dir, false)
		if err != nil {
			return err
		}
		if err := gen.SetMean(mean); err != nil {
			return err
		}
		*s.dst = gen
	}
	it, err := trainGen.Iterator(cfg.Training.BatchSize, cfg.Model.MaxLineCount)
	if err != nil {
		return err
	}
	splits.Train = it

	model, err := training.NewLineNet(training.Config{
		ImageShape:     shape,
		MaxLineCount:   cfg.Model.MaxLineCount,
		LineNumAttr:    cfg.Model.LineNumAttr,
		EmbeddingDim:   cfg.Model.EmbeddingDim,
		LearningRate:   cfg.Model.LearningRate,
		Margin:         cfg.Model.Margin,
		PretrainImages: cfg.Model.PretrainImages,
		TrainSetMean:   mean,
		Seed:           cfg.Data.Seed,
		Backend:        cfg.Model.Backend,
	})
	if err != nil {
		return err
	}

	db, err := openRun(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := training.NewDriver(training.DriverConfig{
		NumEpochs:         cfg.Training.Epochs,
		InitialEpoch:      cfg.Training.PastEpoch,
		ValidationSteps:   cfg.Training.ValidationSteps,
		BatchSize:         cfg.Training.BatchSize,
		MaxLineCount:      cfg.Model.MaxLineCount,
		LogDir:            cfg.Training.LogDir,
		ResumeDir:         cfg.Training.PastLogDir,
		PretrainedWeights: cfg.Training.PretrainedWeights,
		Schedule:          *cfg.Training.Schedule,
		InferenceK:        cfg.Training.InferenceK,
	}, model, splits, db)
	if err != nil {
		return err
	}
	klog.Infof("training %d frames (%d lines), %d steps per epoch", trainGen.FrameCount(), trainGen.LineCount(), driver.Config().StepsPerEpoch)
	if err := driver.Run(ctx); err != nil {
		return err
	}
	for _, t := range driver.Transitions() {
		klog.Infof("transition at epoch %d (step %d): %v", t.Epoch, t.GlobalStep, t.Groups)
	}
	return nil
}

func runTriplet(ctx context.Context, cfg *Config) error {
	tc := cfg.Triplet
	gen, err := datasets.NewImageGenerator(tc.ClassList, datasets.ImageGeneratorConfig{
		HorizontalFlip: tc.HorizontalFlip,
		Shuffle:        tc.Shuffle,
		ImageType:      tc.ImageType,
		Mean:           tc.Mean,
		ScaleSize:      tc.ScaleSize,
		ReadAsArchive:  tc.ReadAsArchive,
		Seed:           cfg.Data.Seed,
	})
	if err != nil {
		return err
	}
	model, err := training.NewTripletModel(training.TripletConfig{
		Image:        datasets.ImageShape{H: tc.ScaleSize.H, W: tc.ScaleSize.W, C: gen.Channels()},
		EmbeddingDim: cfg.Model.EmbeddingDim,
		LearningRate: cfg.Model.LearningRate,
		Margin:       tc.Margin,
		TrainSetMean: cfg.Data.TrainSetMean,
		Seed:         cfg.Data.Seed,
		Backend:      cfg.Model.Backend,
	})
	if err != nil {
		return err
	}
	db, err := openRun(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return training.TrainTriplet(ctx, model, gen, training.TripletTrainConfig{
		NumEpochs: tc.Epochs,
		BatchSize: tc.BatchSize,
		LogDir:    cfg.Training.LogDir,
		Sink:      db,
	})
}

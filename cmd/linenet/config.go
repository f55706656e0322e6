package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Noofbiz/linenet/datasets"
	"github.com/Noofbiz/linenet/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// defaultConfigPath is where the embedded defaults are written when no
// -config is given and the file does not exist yet.
const defaultConfigPath = "linenet.json"

// defaultConfigJSON holds the defaults of every tunable. Flags passed
// explicitly on the command line take precedence over the JSON values.
const defaultConfigJSON = `{
  "mode": "train",
  "data": {
    "train_dir": "data/train",
    "val_dir": "data/val",
    "test_dir": "data/test",
    "background_classes": [0, 1, 2, 20, 22],
    "train_set_mean": [-0.00246431839, 0.0953982015, 3.15564408],
    "seed": 0
  },
  "model": {
    "img_shape": [64, 96, 3],
    "max_line_count": 150,
    "line_num_attr": 15,
    "embedding_dim": 16,
    "learning_rate": 0.0001,
    "margin": 1.0,
    "pretrain_images": false,
    "backend": ""
  },
  "training": {
    "batch_size": 4,
    "epochs": 40,
    "log_dir": "",
    "past_log_dir": "",
    "past_epoch": 0,
    "pretrained_weights": "",
    "validation_steps": 0,
    "inference_k": 5
  },
  "triplet": {
    "class_list": [],
    "image_type": "bgr",
    "read_as_archive": true,
    "scale_size": {"h": 64, "w": 96},
    "mean": [103.939, 116.779, 123.68],
    "horizontal_flip": true,
    "shuffle": true,
    "batch_size": 32,
    "epochs": 20,
    "margin": 0.2
  }
}
`

type dataConfig struct {
	TrainDir          string    `json:"train_dir"`
	ValDir            string    `json:"val_dir"`
	TestDir           string    `json:"test_dir"`
	BackgroundClasses []int32   `json:"background_classes"`
	TrainSetMean      []float64 `json:"train_set_mean"`
	Seed              int64     `json:"seed"`
}

type modelConfig struct {
	ImgShape       [3]int  `json:"img_shape"`
	MaxLineCount   int     `json:"max_line_count"`
	LineNumAttr    int     `json:"line_num_attr"`
	EmbeddingDim   int     `json:"embedding_dim"`
	LearningRate   float64 `json:"learning_rate"`
	Margin         float64 `json:"margin"`
	PretrainImages bool    `json:"pretrain_images"`
	Backend        string  `json:"backend"`
}

type trainingConfig struct {
	BatchSize         int    `json:"batch_size"`
	Epochs            int    `json:"epochs"`
	LogDir            string `json:"log_dir"`
	PastLogDir        string `json:"past_log_dir"`
	PastEpoch         int    `json:"past_epoch"`
	PretrainedWeights string `json:"pretrained_weights"`
	ValidationSteps   int    `json:"validation_steps"`
	InferenceK        int    `json:"inference_k"`

	// Schedule overrides the default schedule of the training mode.
	Schedule *training.Schedule `json:"schedule,omitempty"`
}

type tripletConfig struct {
	ClassList      []string           `json:"class_list"`
	ImageType      string             `json:"image_type"`
	ReadAsArchive  bool               `json:"read_as_archive"`
	ScaleSize      datasets.ScaleSize `json:"scale_size"`
	Mean           []float32          `json:"mean"`
	HorizontalFlip bool               `json:"horizontal_flip"`
	Shuffle        bool               `json:"shuffle"`
	BatchSize      int                `json:"batch_size"`
	Epochs         int                `json:"epochs"`
	Margin         float64            `json:"margin"`
}

// Config is the effective configuration of a run.
type Config struct {
	Mode     string         `json:"mode"`
	Data     dataConfig     `json:"data"`
	Model    modelConfig    `json:"model"`
	Training trainingConfig `json:"training"`
	Triplet  tripletConfig  `json:"triplet"`
}

// cliFlags are the command line overrides. Only flags set explicitly are
// applied on top of the JSON config.
type cliFlags struct {
	configPath  string
	printConfig bool

	mode              string
	trainDir          string
	valDir            string
	testDir           string
	logDir            string
	pastLogDir        string
	pastEpoch         int
	pretrainedWeights string
	batchSize         int
	maxLineCount      int
	epochs            int
	learningRate      float64
	margin            float64
	seed              int64
	pretrainImages    bool
	backend           string
	background        string
	classList         string
}

func registerFlags(fs *flag.FlagSet) *cliFlags {
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "", "path to a JSON config; empty writes and loads "+defaultConfigPath)
	fs.BoolVar(&f.printConfig, "print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	fs.StringVar(&f.mode, "mode", "train", "'train' (LineNet) or 'triplet' (image patch pretraining)")
	fs.StringVar(&f.trainDir, "train-dir", "", "directory of the training split")
	fs.StringVar(&f.valDir, "val-dir", "", "directory of the validation split, empty disables validation")
	fs.StringVar(&f.testDir, "test-dir", "", "directory of the test split, empty disables inference")
	fs.StringVar(&f.logDir, "log-dir", "", "output directory, empty means ./logs/<ddmmyy_HHMM>")
	fs.StringVar(&f.pastLogDir, "past-log-dir", "", "log directory of the run to resume")
	fs.IntVar(&f.pastEpoch, "past-epoch", 0, "number of epochs already trained by the resumed run")
	fs.StringVar(&f.pretrainedWeights, "pretrained-weights", "", "snapshot directory with pretrained image features")
	fs.IntVar(&f.batchSize, "batch-size", 4, "frames per batch")
	fs.IntVar(&f.maxLineCount, "max-line-count", 150, "line slots per frame")
	fs.IntVar(&f.epochs, "epochs", 40, "total number of epochs")
	fs.Float64Var(&f.learningRate, "learning-rate", 1e-4, "Adam learning rate")
	fs.Float64Var(&f.margin, "margin", 1.0, "contrastive loss margin")
	fs.Int64Var(&f.seed, "seed", 0, "random seed")
	fs.BoolVar(&f.pretrainImages, "pretrain-images", false, "train the image-only head with the staged unfreeze schedule")
	fs.StringVar(&f.backend, "backend", "", "gomlx backend, e.g. xla:cpu; empty uses $GOMLX_BACKEND or XLA")
	fs.StringVar(&f.background, "background-classes", "", "comma separated background classes")
	fs.StringVar(&f.classList, "class-list", "", "comma separated archives or index file for triplet mode")
	return f
}

// ensureDefaultConfig writes the embedded defaults to path if it is absent.
func ensureDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigJSON), 0644); err != nil {
		return errors.Wrapf(err, "write default config %s", path)
	}
	klog.Infof("wrote default config to %s", path)
	return nil
}

// loadConfig reads the JSON config at path on top of the embedded defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal([]byte(defaultConfigJSON), cfg); err != nil {
		return nil, errors.Wrap(err, "embedded default config")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// applyFlags copies the explicitly set flags into cfg.
func applyFlags(cfg *Config, f *cliFlags, set map[string]bool) error {
	if set["mode"] {
		cfg.Mode = f.mode
	}
	if set["train-dir"] {
		cfg.Data.TrainDir = f.trainDir
	}
	if set["val-dir"] {
		cfg.Data.ValDir = f.valDir
	}
	if set["test-dir"] {
		cfg.Data.TestDir = f.testDir
	}
	if set["log-dir"] {
		cfg.Training.LogDir = f.logDir
	}
	if set["past-log-dir"] {
		cfg.Training.PastLogDir = f.pastLogDir
	}
	if set["past-epoch"] {
		cfg.Training.PastEpoch = f.pastEpoch
	}
	if set["pretrained-weights"] {
		cfg.Training.PretrainedWeights = f.pretrainedWeights
	}
	if set["batch-size"] {
		cfg.Training.BatchSize = f.batchSize
		cfg.Triplet.BatchSize = f.batchSize
	}
	if set["max-line-count"] {
		cfg.Model.MaxLineCount = f.maxLineCount
	}
	if set["epochs"] {
		cfg.Training.Epochs = f.epochs
		cfg.Triplet.Epochs = f.epochs
	}
	if set["learning-rate"] {
		cfg.Model.LearningRate = f.learningRate
	}
	if set["margin"] {
		cfg.Model.Margin = f.margin
		cfg.Triplet.Margin = f.margin
	}
	if set["seed"] {
		cfg.Data.Seed = f.seed
	}
	if set["pretrain-images"] {
		cfg.Model.PretrainImages = f.pretrainImages
	}
	if set["backend"] {
		cfg.Model.Backend = f.backend
	}
	if set["background-classes"] {
		classes, err := parseClasses(f.background)
		if err != nil {
			return err
		}
		cfg.Data.BackgroundClasses = classes
	}
	if set["class-list"] {
		cfg.Triplet.ClassList = splitList(f.classList)
	}
	return nil
}

func parseClasses(s string) ([]int32, error) {
	var out []int32
	for _, item := range splitList(s) {
		v, err := strconv.ParseInt(item, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "background class %q", item)
		}
		out = append(out, int32(v))
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// finalize fills the derived values and checks the config.
func (cfg *Config) finalize(now time.Time) error {
	switch cfg.Mode {
	case "train", "triplet":
	default:
		return errors.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Training.LogDir == "" {
		cfg.Training.LogDir = filepath.Join("logs", now.Format("020106_1504"))
	}
	if cfg.Training.PastEpoch > 0 && cfg.Training.PastLogDir == "" {
		return errors.New("past_epoch is set without past_log_dir")
	}
	if cfg.Training.Schedule == nil {
		s := training.DefaultSchedule(cfg.Model.PretrainImages)
		cfg.Training.Schedule = &s
	}
	if len(cfg.Data.TrainSetMean) != 0 && len(cfg.Data.TrainSetMean) != datasets.MeanDims {
		return errors.Errorf("train_set_mean must have %d values, got %d", datasets.MeanDims, len(cfg.Data.TrainSetMean))
	}
	return nil
}

// imageShape returns the (H, W, C) line image shape.
func (cfg *Config) imageShape() datasets.ImageShape {
	return datasets.ImageShape{H: cfg.Model.ImgShape[0], W: cfg.Model.ImgShape[1], C: cfg.Model.ImgShape[2]}
}

// resolveConfig builds the effective config from command line arguments.
func resolveConfig(fs *flag.FlagSet, args []string, now time.Time) (*Config, *cliFlags, error) {
	f := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	path := f.configPath
	if path == "" {
		if err := ensureDefaultConfig(defaultConfigPath); err != nil {
			klog.Warningf("%v", err)
		} else {
			path = defaultConfigPath
		}
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if err := applyFlags(cfg, f, set); err != nil {
		return nil, nil, err
	}
	if err := cfg.finalize(now); err != nil {
		return nil, nil, err
	}
	return cfg, f, nil
}

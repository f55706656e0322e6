package training

import (
	"context"
	"time"

	"github.com/Noofbiz/linenet/checkpoints"
	"github.com/Noofbiz/linenet/datasets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TripletConfig holds the hyperparameters of the image patch model.
type TripletConfig struct {
	// Image is the shape of the patches: the generator's scale size and
	// channel count.
	Image datasets.ImageShape

	ConvFilters  []int
	HiddenDim    int
	EmbeddingDim int
	LearningRate float64
	Margin       float64

	// TrainSetMean is stored as the non-trainable variable train_set_mean.
	TrainSetMean []float64

	// Seed of the variable initializers. Zero picks a random seed.
	Seed int64

	// Backend selects the gomlx backend, see newBackend.
	Backend string
}

// TripletModel embeds single line image patches. Its convolution blocks use
// the same scopes as LineNet's image features, so a weights-only snapshot
// of a bgr model can be loaded as LineNet's pretrained image weights.
type TripletModel struct {
	cfg     TripletConfig
	backend backends.Backend
	ctx     *mlctx.Context
	trainer *train.Trainer
}

// NewTripletModel creates the model. Variables are created on the first
// training step.
func NewTripletModel(cfg TripletConfig) (*TripletModel, error) {
	if cfg.Image.H <= 0 || cfg.Image.W <= 0 || cfg.Image.C <= 0 {
		return nil, errors.Errorf("invalid image shape %+v", cfg.Image)
	}
	if len(cfg.ConvFilters) == 0 {
		cfg.ConvFilters = []int{16, 32, 64}
	}
	if cfg.HiddenDim == 0 {
		cfg.HiddenDim = 64
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 16
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-4
	}
	if cfg.Margin == 0 {
		cfg.Margin = 0.2
	}
	if cfg.TrainSetMean != nil && len(cfg.TrainSetMean) != datasets.MeanDims {
		return nil, errors.Errorf("train set mean must have %d values, got %d", datasets.MeanDims, len(cfg.TrainSetMean))
	}
	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	m := &TripletModel{cfg: cfg, backend: backend, ctx: mlctx.New()}
	m.ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
	err = exceptions.TryCatch[error](func() {
		if cfg.Seed != 0 {
			m.ctx.RngStateFromSeed(cfg.Seed)
		}
		if cfg.TrainSetMean != nil {
			mean := make([]float32, len(cfg.TrainSetMean))
			for i, v := range cfg.TrainSetMean {
				mean[i] = float32(v)
			}
			m.ctx.In(scopeDataset).VariableWithValue(trainSetMeanName, mean).SetTrainable(false)
		}
		modelFn := func(ctx *mlctx.Context, _ any, inputs []*Node) []*Node {
			return []*Node{m.forward(ctx, inputs[0], inputs[1], inputs[2])}
		}
		lossFn := func(labels, predictions []*Node) *Node {
			return batchAllTripletLoss(predictions[0], labels[0], m.cfg.Margin)
		}
		m.trainer = train.NewTrainer(backend, m.ctx, modelFn, lossFn, optimizers.Adam().Done(), nil, nil)
	})
	if err != nil {
		return nil, errors.Wrap(err, "build triplet model")
	}
	return m, nil
}

func (m *TripletModel) forward(ctx *mlctx.Context, images, lineTypes, centers *Node) *Node {
	features := imageFeatures(ctx, images, m.cfg.ConvFilters)
	features = activations.Relu(layers.Dense(ctx.In("image_head"), features, true, m.cfg.HiddenDim))
	x := Concatenate([]*Node{features, lineTypes, centers}, -1)
	hctx := ctx.In("triplet_head")
	x = activations.Relu(layers.Dense(hctx.In("dense_0"), x, true, m.cfg.HiddenDim))
	return l2Normalize(layers.Dense(hctx.In("dense_1"), x, true, m.cfg.EmbeddingDim))
}

// batchAllTripletLoss averages max(d(a,p) - d(a,n) + margin, 0) over the
// triplets of the batch with a positive loss, where a and p share an
// instance and n does not.
func batchAllTripletLoss(emb, instances *Node, margin float64) *Node {
	batch := emb.Shape().Dimensions[0]
	sq := ReduceSum(Square(emb), -1)
	dot := Einsum("bd,cd->bc", emb, emb)
	d2 := Sub(Add(BroadcastToDims(Reshape(sq, batch, 1), batch, batch), BroadcastToDims(Reshape(sq, 1, batch), batch, batch)),
		Mul(dot, ConstAs(dot, 2)))
	d := Sqrt(Add(Max(d2, ZerosLike(d2)), ConstAs(d2, 1e-9)))

	rows := BroadcastToDims(Reshape(instances, batch, 1), batch, batch)
	cols := BroadcastToDims(Reshape(instances, 1, batch), batch, batch)
	same := ConvertDType(Equal(rows, cols), emb.DType())
	eye := make([][]float32, batch)
	for i := range eye {
		eye[i] = make([]float32, batch)
		eye[i][i] = 1
	}
	positive := Sub(same, Const(emb.Graph(), eye))
	negative := Sub(OnesLike(same), same)

	cube := func(x *Node, shape ...int) *Node {
		return BroadcastToDims(Reshape(x, shape...), batch, batch, batch)
	}
	ap := cube(d, batch, batch, 1)
	an := cube(d, batch, 1, batch)
	valid := Mul(cube(positive, batch, batch, 1), cube(negative, batch, 1, batch))

	loss := Add(Sub(ap, an), ConstAs(ap, margin))
	loss = Mul(Max(loss, ZerosLike(loss)), valid)
	active := StopGradient(ConvertDType(GreaterThan(loss, ConstAs(loss, 1e-16)), loss.DType()))
	count := ReduceAllSum(active)
	return Div(ReduceAllSum(loss), Max(count, OnesLike(count)))
}

func tripletTensors(b *datasets.ImageBatch) (inputs, labels []*tensors.Tensor, err error) {
	centers, err := b.Centers()
	if err != nil {
		return nil, nil, err
	}
	images := tensors.FromFlatDataAndDimensions(b.Images, b.BatchSize, b.Shape.H, b.Shape.W, b.Shape.C)
	lineTypes := tensors.FromFlatDataAndDimensions(b.LineTypes, b.BatchSize, 1)
	inputs = []*tensors.Tensor{images, lineTypes, tensors.FromFlatDataAndDimensions(centers, b.BatchSize, 3)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(b.InstanceLabels(), b.BatchSize)}
	return inputs, labels, nil
}

// TrainStep runs one optimization step and returns the batch loss.
func (m *TripletModel) TrainStep(b *datasets.ImageBatch) (float64, error) {
	inputs, labels, err := tripletTensors(b)
	if err != nil {
		return 0, err
	}
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		results = m.trainer.TrainStep("triplet", inputs, labels)
	})
	if err != nil {
		return 0, errors.Wrap(err, "triplet step")
	}
	if len(results) == 0 {
		return 0, errors.New("trainer returned no metrics")
	}
	return tensorScalar(results[0]), nil
}

// Snapshot copies the model variables.
func (m *TripletModel) Snapshot(opts SnapshotOptions) ([]checkpoints.WeightTensor, error) {
	return snapshotContext(m.ctx, opts)
}

// TripletTrainConfig controls TrainTriplet.
type TripletTrainConfig struct {
	NumEpochs int
	BatchSize int
	LogDir    string
	Sink      Sink
}

// TrainTriplet trains model for NumEpochs passes of floor(DataSize/BatchSize)
// batches over gen, saving a weights-only snapshot after every epoch.
func TrainTriplet(ctx context.Context, model *TripletModel, gen *datasets.ImageGenerator, cfg TripletTrainConfig) error {
	if cfg.NumEpochs <= 0 || cfg.BatchSize <= 0 {
		return errors.Errorf("epochs and batch size must be > 0, got %d and %d", cfg.NumEpochs, cfg.BatchSize)
	}
	if cfg.LogDir == "" {
		return errors.New("empty log dir")
	}
	steps := gen.DataSize() / cfg.BatchSize
	if steps == 0 {
		return errors.Errorf("data size %d is smaller than batch size %d", gen.DataSize(), cfg.BatchSize)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = nopSink{}
	}

	cursor := gen.Start()
	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		var sum float64
		for step := 0; step < steps; step++ {
			var b *datasets.ImageBatch
			var err error
			b, cursor, err = gen.NextBatch(cursor, cfg.BatchSize)
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch+1, step)
			}
			loss, err := model.TrainStep(b)
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch+1, step)
			}
			klog.V(1).Infof("epoch %d step %d triplet loss %.5f", epoch+1, step, loss)
			sum += loss
		}
		cursor = gen.Reset(cursor)

		globalStep := (epoch + 1) * steps
		loss := sum / float64(steps)
		if err := sink.WriteScalars(epoch, globalStep, map[string]float64{"triplet_loss": loss}); err != nil {
			return err
		}
		vars, err := model.Snapshot(SnapshotOptions{})
		if err != nil {
			return err
		}
		err = checkpoints.Save(checkpoints.Path(cfg.LogDir, checkpoints.KindWeightsOnly, epoch+1), &checkpoints.Snapshot{
			Header:    checkpoints.Header{Kind: checkpoints.KindWeightsOnly, Epoch: epoch + 1, Step: globalStep},
			Variables: vars,
		})
		if err != nil {
			return err
		}
		klog.Infof("triplet epoch %d/%d done in %s: loss %.5f", epoch+1, cfg.NumEpochs, time.Since(start).Round(time.Millisecond), loss)
	}
	return nil
}

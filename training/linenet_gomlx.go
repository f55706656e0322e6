package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/Noofbiz/linenet/checkpoints"
	"github.com/Noofbiz/linenet/datasets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Variable scopes of the LineNet graph. The image feature blocks are the
// parameter groups the unfreeze schedule works on.
const (
	scopeGeometry  = "geometry"
	scopeContext   = "context"
	scopeEmbedding = "embedding"
	scopeDataset   = "dataset"

	trainSetMeanName = "train_set_mean"
	datasetSpec      = "linenet"
)

// LineNet is the gomlx implementation of Model. Every frame is embedded as
// a whole: each line gets image features and geometry features, the masked
// mean over the frame's lines adds context, and the head outputs an
// L2-normalized embedding per line slot.
type LineNet struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context

	trainer *train.Trainer
	embed   *context.Exec
}

// NewLineNet creates the model and initializes its variables, so they can
// be restored or frozen before the first training step.
func NewLineNet(cfg Config) (*LineNet, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	m := &LineNet{cfg: cfg, backend: backend, ctx: context.New()}
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
		m.embed = context.MustNewExec(backend, m.ctx, func(ctx *context.Context, images, geometry, mask *Node) *Node {
			return m.forward(ctx, images, geometry, mask)
		})

		// A zero batch creates every model variable; the exec reuses them
		// from then on.
		zero := datasets.NewZeroLineBatch(1, cfg.MaxLineCount, cfg.ImageShape)
		inputs, _, err := zero.ToGomlxTensors()
		if err != nil {
			panic(err)
		}
		m.embed.MustExec(inputs[0], inputs[1], inputs[2])
		m.trainer = m.newTrainer()
	})
	if err != nil {
		return nil, errors.Wrap(err, "build linenet")
	}
	return m, nil
}

// Config returns the effective hyperparameters.
func (m *LineNet) Config() Config { return m.cfg }

func (m *LineNet) newTrainer() *train.Trainer {
	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		return []*Node{m.forward(ctx, inputs[0], inputs[1], inputs[2])}
	}
	lossFn := func(labels, predictions []*Node) *Node {
		return contrastiveLoss(predictions[0], labels[0], labels[1], m.cfg.Margin)
	}
	return train.NewTrainer(m.backend, m.ctx.Reuse(), modelFn, lossFn, optimizers.Adam().Done(), nil, nil)
}

// forward maps (images, geometry, mask) of shapes (B, L, H, W, C),
// (B, L, A) and (B, L) to embeddings (B, L, EmbeddingDim).
func (m *LineNet) forward(ctx *context.Context, images, geometry, mask *Node) *Node {
	dims := images.Shape().Dimensions
	batch, lines := dims[0], dims[1]
	n := batch * lines

	x := Reshape(images, n, dims[2], dims[3], dims[4])
	features := imageFeatures(ctx, x, m.cfg.ConvFilters)
	features = activations.Relu(layers.Dense(ctx.In("image_head"), features, true, m.cfg.HiddenDim))

	var perLine *Node
	if m.cfg.PretrainImages {
		perLine = features
	} else {
		geo := Reshape(geometry, n, m.cfg.LineNumAttr)
		gctx := ctx.In(scopeGeometry)
		geo = activations.Relu(layers.Dense(gctx.In("dense_0"), geo, true, m.cfg.HiddenDim))
		geo = activations.Relu(layers.Dense(gctx.In("dense_1"), geo, true, m.cfg.HiddenDim))
		perLine = Concatenate([]*Node{features, geo}, -1)

		width := perLine.Shape().Dimensions[1]
		frame := frameContext(ctx.In(scopeContext), Reshape(perLine, batch, lines, width), mask, m.cfg.HiddenDim)
		perLine = Concatenate([]*Node{perLine, Reshape(frame, n, m.cfg.HiddenDim)}, -1)
	}

	ectx := ctx.In(scopeEmbedding)
	h := activations.Relu(layers.Dense(ectx.In("dense_0"), perLine, true, m.cfg.HiddenDim))
	emb := layers.Dense(ectx.In("dense_1"), h, true, m.cfg.EmbeddingDim)
	emb = l2Normalize(emb)
	return Reshape(emb, batch, lines, m.cfg.EmbeddingDim)
}

// imageFeatures runs the convolution blocks and a global average pool.
func imageFeatures(ctx *context.Context, x *Node, filters []int) *Node {
	fctx := ctx.In(GroupImageFeatures)
	for i, f := range filters {
		bctx := fctx.In(fmt.Sprintf("block%d", i+1))
		x = layers.Convolution(bctx.In("conv_0"), x).Filters(f).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		if x.Shape().Dimensions[1] >= 2 && x.Shape().Dimensions[2] >= 2 {
			x = MaxPool(x).Window(2).Done()
		}
	}
	return ReduceMean(x, 1, 2)
}

// frameContext pools the valid lines of each frame into a (B, L, hidden)
// context tensor, broadcast back to every line slot.
func frameContext(ctx *context.Context, perLine, mask *Node, hidden int) *Node {
	dims := perLine.Shape().Dimensions
	batch, lines, width := dims[0], dims[1], dims[2]

	m := Reshape(mask, batch, lines, 1)
	sum := ReduceSum(Mul(perLine, BroadcastToDims(m, batch, lines, width)), 1)
	count := ReduceSum(m, 1)
	count = Max(count, OnesLike(count))
	pooled := Div(sum, BroadcastToDims(count, batch, width))
	pooled = activations.Relu(layers.Dense(ctx.In("dense_0"), pooled, true, hidden))
	return BroadcastToDims(Reshape(pooled, batch, 1, hidden), batch, lines, hidden)
}

// l2Normalize scales the last axis of x to unit length. All-zero rows, as
// left by dead ReLUs, map to the first basis vector. Comparisons have no
// gradient, so the zero-row indicator is cut from the backward pass.
func l2Normalize(x *Node) *Node {
	dims := x.Shape().Dimensions
	last := len(dims) - 1
	sq := ReduceAndKeep(Square(x), ReduceSum, -1)
	zero := StopGradient(ConvertDType(LessThan(sq, ConstAs(sq, 1e-24)), x.DType()))
	norm := Sqrt(Add(sq, zero))
	unit := Div(x, BroadcastToDims(norm, dims...))

	basis := make([]float32, dims[last])
	basis[0] = 1
	basisDims := make([]int, len(dims))
	for i := range basisDims {
		basisDims[i] = 1
	}
	basisDims[last] = dims[last]
	e0 := BroadcastToDims(Reshape(ConvertDType(Const(x.Graph(), basis), x.DType()), basisDims...), dims...)
	return Add(unit, Mul(e0, BroadcastToDims(zero, dims...)))
}

// pairwiseSquaredDistances returns the (B, L, L) squared distances between
// the embeddings of every pair of line slots of a frame.
func pairwiseSquaredDistances(emb *Node) *Node {
	dims := emb.Shape().Dimensions
	batch, lines := dims[0], dims[1]
	sq := ReduceSum(Square(emb), -1)
	dot := Einsum("bld,bmd->blm", emb, emb)
	rows := BroadcastToDims(Reshape(sq, batch, lines, 1), batch, lines, lines)
	cols := BroadcastToDims(Reshape(sq, batch, 1, lines), batch, lines, lines)
	d2 := Sub(Add(rows, cols), Mul(dot, ConstAs(dot, 2)))
	return Max(d2, ZerosLike(d2))
}

// pairMasks returns the same-instance indicator and the valid-pair mask of
// a (B, L) instance/mask pair, both (B, L, L).
func pairMasks(instances, mask *Node) (same, valid *Node) {
	dims := instances.Shape().Dimensions
	batch, lines := dims[0], dims[1]
	rows := BroadcastToDims(Reshape(instances, batch, lines, 1), batch, lines, lines)
	cols := BroadcastToDims(Reshape(instances, batch, 1, lines), batch, lines, lines)
	same = ConvertDType(Equal(rows, cols), instances.DType())
	mr := BroadcastToDims(Reshape(mask, batch, lines, 1), batch, lines, lines)
	mc := BroadcastToDims(Reshape(mask, batch, 1, lines), batch, lines, lines)
	return same, Mul(mr, mc)
}

// contrastiveLoss pulls lines of the same instance together and pushes
// lines of different instances at least margin apart. Padded slots never
// contribute.
func contrastiveLoss(emb, instances, mask *Node, margin float64) *Node {
	d2 := pairwiseSquaredDistances(emb)
	same, valid := pairMasks(instances, mask)
	d := Sqrt(Add(d2, ConstAs(d2, 1e-9)))
	gap := Sub(ConstAs(d, margin), d)
	gap = Max(gap, ZerosLike(gap))
	pos := Mul(same, d2)
	neg := Mul(Sub(OnesLike(same), same), Square(gap))
	total := ReduceAllSum(Mul(valid, Add(pos, neg)))
	count := ReduceAllSum(valid)
	return Div(total, Max(count, OnesLike(count)))
}

// TrainEpoch runs steps training steps and returns the mean batch loss.
func (m *LineNet) TrainEpoch(b datasets.Batcher, steps int) (Metrics, error) {
	if steps <= 0 {
		return Metrics{}, nil
	}
	loop := train.NewLoop(m.trainer)
	var sum float64
	loop.OnStep("epoch_loss", 0, func(loop *train.Loop, results []*tensors.Tensor) error {
		if len(results) == 0 {
			return errors.New("trainer returned no metrics")
		}
		loss := tensorScalar(results[0])
		klog.V(2).Infof("step %d loss %.5f", loop.LoopStep, loss)
		sum += loss
		return nil
	})
	if _, err := loop.RunSteps(newStepDataset(datasetSpec, b, steps), steps); err != nil {
		return nil, errors.Wrap(err, "train epoch")
	}
	return Metrics{"loss": sum / float64(steps)}, nil
}

// Evaluate returns the mean loss over steps batches without training.
func (m *LineNet) Evaluate(b datasets.Batcher, steps int) (Metrics, error) {
	if steps <= 0 {
		return Metrics{}, nil
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		results = m.trainer.Eval(newStepDataset(datasetSpec, b, steps))
	})
	if err != nil {
		return nil, errors.Wrap(err, "evaluate")
	}
	if len(results) == 0 {
		return nil, errors.New("trainer returned no metrics")
	}
	loss := tensorScalar(results[0])
	if math.IsNaN(loss) {
		return nil, errors.New("evaluation loss is NaN")
	}
	return Metrics{"loss": loss}, nil
}

// Embed returns one embedding per line slot, frame-major.
func (m *LineNet) Embed(b *datasets.LineBatch) ([][]float32, error) {
	inputs, _, err := b.ToGomlxTensors()
	if err != nil {
		return nil, err
	}
	var flat []float32
	err = exceptions.TryCatch[error](func() {
		out := m.embed.MustExec(inputs[0], inputs[1], inputs[2])
		flat = tensors.CopyFlatData[float32](out[0])
	})
	if err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	dim := m.cfg.EmbeddingDim
	slots := b.BatchSize * b.MaxLines
	if len(flat) != slots*dim {
		return nil, errors.Errorf("embedding has %d values, expected %d", len(flat), slots*dim)
	}
	out := make([][]float32, slots)
	for i := range out {
		out[i] = flat[i*dim : (i+1)*dim]
	}
	return out, nil
}

// ApplyTrainable sets the trainable flag of every model variable from its
// scope. Optimizer, trainer and metric state, counters in the root scope and
// the dataset mean are left alone.
func (m *LineNet) ApplyTrainable(trainable func(scope string) bool) int {
	return applyTrainable(m.ctx, trainable)
}

func applyTrainable(ctx *context.Context, trainable func(scope string) bool) int {
	n := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !isModelVariable(v) {
			return
		}
		v.SetTrainable(trainable(v.Scope()))
		if v.Trainable {
			n++
		}
	})
	return n
}

// isModelVariable reports whether v is a float weight of a model layer.
func isModelVariable(v *context.Variable) bool {
	scope := v.Scope()
	switch {
	case scope == context.RootScope:
		return false
	case hasScopePrefix(scope, checkpoints.OptimizerScope), hasScopePrefix(scope, train.TrainerAbsoluteScope),
		hasScopePrefix(scope, "/"+metrics.Scope), hasScopePrefix(scope, "/"+scopeDataset):
		return false
	}
	return v.DType().IsFloat()
}

func hasScopePrefix(scope, prefix string) bool {
	return scope == prefix || strings.HasPrefix(scope, prefix+"/")
}

// Recompile drops the compiled training graphs so the next step picks up
// the current trainable flags. Optimizer state lives in the context and is
// kept.
func (m *LineNet) Recompile() {
	m.trainer.ResetComputationGraphs()
}

// Snapshot copies the variables out of the context.
func (m *LineNet) Snapshot(opts SnapshotOptions) ([]checkpoints.WeightTensor, error) {
	return snapshotContext(m.ctx, opts)
}

// Restore loads the variables matching by name and shape.
func (m *LineNet) Restore(vars []checkpoints.WeightTensor) (checkpoints.LoadReport, error) {
	return restoreContext(m.ctx, vars)
}

// snapshotContext copies every float32 and int64 variable of ctx.
func snapshotContext(ctx *context.Context, opts SnapshotOptions) ([]checkpoints.WeightTensor, error) {
	var out []checkpoints.WeightTensor
	err := exceptions.TryCatch[error](func() {
		ctx.EnumerateVariables(func(v *context.Variable) {
			isOpt := hasScopePrefix(v.Scope(), checkpoints.OptimizerScope)
			if isOpt && !opts.IncludeOptimizer {
				return
			}
			value := v.Value()
			w := checkpoints.WeightTensor{
				Scope:     v.Scope(),
				Name:      v.Name(),
				Shape:     append([]int{}, value.Shape().Dimensions...),
				Trainable: v.Trainable,
			}
			if opts.Trainable != nil && isModelVariable(v) {
				w.Trainable = opts.Trainable(v.Scope())
			}
			switch value.DType() {
			case dtypes.Float32:
				w.Data = tensors.CopyFlatData[float32](value)
			case dtypes.Int64:
				w.Ints = tensors.CopyFlatData[int64](value)
			default:
				klog.V(1).Infof("skipping variable %s of dtype %s", w.Key(), value.DType())
				return
			}
			out = append(out, w)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "snapshot variables")
	}
	return out, nil
}

// restoreContext sets the values of the ctx variables found in vars.
// Variables missing from ctx are reported, not created.
func restoreContext(ctx *context.Context, vars []checkpoints.WeightTensor) (checkpoints.LoadReport, error) {
	current, err := snapshotContext(ctx, SnapshotOptions{IncludeOptimizer: true})
	if err != nil {
		return checkpoints.LoadReport{}, err
	}
	values, report := checkpoints.Match(current, vars)
	err = exceptions.TryCatch[error](func() {
		ctx.EnumerateVariables(func(v *context.Variable) {
			w, ok := values[checkpoints.VariableKey(v.Scope(), v.Name())]
			if !ok {
				return
			}
			if w.Data != nil {
				v.SetValue(tensors.FromFlatDataAndDimensions(append([]float32(nil), w.Data...), w.Shape...))
			} else {
				v.SetValue(tensors.FromFlatDataAndDimensions(append([]int64(nil), w.Ints...), w.Shape...))
			}
		})
	})
	if err != nil {
		return report, errors.Wrap(err, "restore variables")
	}
	return report, nil
}

func tensorScalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}

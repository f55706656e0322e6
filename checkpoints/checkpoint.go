// Package checkpoints stores model weights between epochs and runs.
//
// A Snapshot is a flat list of named tensors plus a small header. Two kinds
// are written at the end of every epoch: a full snapshot with every variable
// of the model (optimizer state included) and a weights-only snapshot meant
// for deployment and for resuming with a changed training schedule.
//
// On disk a snapshot is a directory holding one gomlx checkpoint (see
// github.com/gomlx/gomlx/pkg/ml/context/checkpoints) and a small JSON
// sidecar with the header and the trainable flag of every variable, which
// gomlx checkpoints do not record. Loading matches tensors by name, so a
// snapshot taken from a smaller model can initialize a larger one.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxckpt "github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Version of the snapshot layout.
const Version = 2

// MetaFileName is the sidecar written next to the gomlx checkpoint files.
const MetaFileName = "snapshot.json"

// Kind tells what a snapshot contains.
type Kind string

const (
	KindFull        Kind = "full"
	KindWeightsOnly Kind = "weights-only"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindFull || k == KindWeightsOnly
}

// OptimizerScope is the scope prefix under which optimizer state lives.
const OptimizerScope = "/" + optimizers.Scope

// Header describes a snapshot.
type Header struct {
	Version   int       `json:"version"`
	Kind      Kind      `json:"kind"`
	Epoch     int       `json:"epoch"` // 1-based epoch that just finished
	Step      int       `json:"step"`  // global step at the time of the snapshot
	CreatedAt time.Time `json:"created_at"`
}

// WeightTensor is one variable of the model. Float variables use Data,
// integer ones (step counters) use Ints.
type WeightTensor struct {
	Scope     string
	Name      string
	Shape     []int
	Trainable bool
	Data      []float32
	Ints      []int64
}

// VariableKey returns the scope-qualified name of a variable, the same for
// the root scope and any other.
func VariableKey(scope, name string) string {
	return context.JoinScope(scope, name)
}

// Key returns the scope-qualified name that identifies the variable across
// snapshots.
func (w *WeightTensor) Key() string {
	return VariableKey(w.Scope, w.Name)
}

// Size is the number of elements implied by Shape.
func (w *WeightTensor) Size() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// IsOptimizerState reports whether the variable belongs to the optimizer.
func (w *WeightTensor) IsOptimizerState() bool {
	return w.Scope == OptimizerScope || strings.HasPrefix(w.Scope, OptimizerScope+"/")
}

func (w *WeightTensor) validate() error {
	switch {
	case w.Data != nil && w.Ints != nil:
		return errors.Errorf("variable %s has both float and integer data", w.Key())
	case w.Data == nil && w.Ints == nil:
		return errors.Errorf("variable %s has no data", w.Key())
	case w.Data != nil && len(w.Data) != w.Size():
		return errors.Errorf("variable %s: %d values for shape %v", w.Key(), len(w.Data), w.Shape)
	case w.Ints != nil && len(w.Ints) != w.Size():
		return errors.Errorf("variable %s: %d values for shape %v", w.Key(), len(w.Ints), w.Shape)
	case !strings.HasPrefix(w.Scope, context.ScopeSeparator):
		return errors.Errorf("variable %s: scope must be absolute", w.Key())
	}
	return nil
}

func (w *WeightTensor) tensor() *tensors.Tensor {
	if w.Data != nil {
		return tensors.FromFlatDataAndDimensions(append([]float32(nil), w.Data...), w.Shape...)
	}
	return tensors.FromFlatDataAndDimensions(append([]int64(nil), w.Ints...), w.Shape...)
}

// Snapshot is the on-disk unit.
type Snapshot struct {
	Header    Header
	Variables []WeightTensor
}

// Find returns the variable with the given key, nil if absent.
func (s *Snapshot) Find(key string) *WeightTensor {
	for i := range s.Variables {
		if s.Variables[i].Key() == key {
			return &s.Variables[i]
		}
	}
	return nil
}

// meta is the content of MetaFileName.
type meta struct {
	Header    Header          `json:"header"`
	Trainable map[string]bool `json:"trainable"`
}

// FileName returns the directory name of a snapshot of the given kind
// taken after the 1-based epoch.
func FileName(kind Kind, epoch int) string {
	switch kind {
	case KindWeightsOnly:
		return fmt.Sprintf("weights_only.%02d", epoch)
	default:
		return fmt.Sprintf("weights.%02d", epoch)
	}
}

// Path joins dir and FileName(kind, epoch).
func Path(dir string, kind Kind, epoch int) string {
	return filepath.Join(dir, FileName(kind, epoch))
}

var fileNamePattern = regexp.MustCompile(`^(weights|weights_only)\.(\d+)$`)

// Latest returns the highest epoch for which dir holds a snapshot of kind,
// and its path. It returns os.ErrNotExist (wrapped) when there is none.
func Latest(dir string, kind Kind) (int, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, "", errors.Wrapf(err, "failed to list checkpoints in %s", dir)
	}
	prefix := "weights"
	if kind == KindWeightsOnly {
		prefix = "weights_only"
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != prefix {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err == nil && n > best {
			best = n
		}
	}
	if best < 0 {
		return 0, "", errors.Wrapf(os.ErrNotExist, "no %s checkpoint in %s", kind, dir)
	}
	return best, Path(dir, kind, best), nil
}

// toContext creates a gomlx context holding the variables of s. Weights-only
// snapshots never carry optimizer state.
func (s *Snapshot) toContext() (ctx *context.Context, trainable map[string]bool, err error) {
	ctx = context.New()
	trainable = make(map[string]bool, len(s.Variables))
	err = exceptions.TryCatch[error](func() {
		for i := range s.Variables {
			w := &s.Variables[i]
			if s.Header.Kind == KindWeightsOnly && w.IsOptimizerState() {
				continue
			}
			if _, dup := trainable[w.Key()]; dup {
				exceptions.Panicf("variable %s appears twice", w.Key())
			}
			ctx.InAbsPath(w.Scope).VariableWithValue(w.Name, w.tensor()).SetTrainable(w.Trainable)
			trainable[w.Key()] = w.Trainable
		}
	})
	return ctx, trainable, err
}

// Save writes s to the directory path atomically: the checkpoint is built
// in a temporary directory next to it which is then renamed. An existing
// snapshot at path is replaced.
func Save(path string, s *Snapshot) error {
	if path == "" {
		return errors.New("empty checkpoint path")
	}
	if !s.Header.Kind.Valid() {
		return errors.Errorf("checkpoint %s: kind must be %q or %q, got %q", path, KindFull, KindWeightsOnly, s.Header.Kind)
	}
	for i := range s.Variables {
		if err := s.Variables[i].validate(); err != nil {
			return err
		}
	}
	s.Header.Version = Version
	if s.Header.CreatedAt.IsZero() {
		s.Header.CreatedAt = time.Now()
	}

	ctx, trainable, err := s.toContext()
	if err != nil {
		return errors.Wrapf(err, "checkpoint %s", path)
	}

	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", parent)
	}
	tmpDir, err := os.MkdirTemp(parent, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint dir")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	err = exceptions.TryCatch[error](func() {
		cfg := gomlxckpt.Build(ctx).Dir(tmpDir).ExcludeAllParams()
		// gomlx names the files after the global step; a snapshot without
		// one gets a counter that is not saved.
		if ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName) == nil {
			step := optimizers.GetGlobalStepVar(ctx)
			step.SetValue(tensors.FromScalar(int64(s.Header.Step)))
			cfg = cfg.ExcludeVars(step)
		}
		handler, err := cfg.Done()
		if err != nil {
			panic(err)
		}
		if err := handler.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "save checkpoint %s", path)
	}

	out, err := json.MarshalIndent(meta{Header: s.Header, Trainable: trainable}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode checkpoint metadata")
	}
	if err := os.WriteFile(filepath.Join(tmpDir, MetaFileName), out, 0644); err != nil {
		return errors.Wrap(err, "write checkpoint metadata")
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "replace checkpoint %s", path)
	}
	if err := os.Rename(tmpDir, path); err != nil {
		return errors.Wrap(err, "rename temp checkpoint to target")
	}
	klog.Infof("saved %s checkpoint (epoch %d, %d variables) to %s", s.Header.Kind, s.Header.Epoch, len(trainable), path)
	return nil
}

// Load reads the snapshot saved at path and checks its version. Variables
// come back sorted by key.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(path, MetaFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint metadata %s", path)
	}
	if m.Header.Version != Version {
		return nil, errors.Errorf("checkpoint %s: version %d, expected %d", path, m.Header.Version, Version)
	}

	ctx := context.New()
	if _, err := gomlxckpt.Load(ctx).Dir(path).ExcludeAllParams().Immediate().Done(); err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	s := &Snapshot{Header: m.Header}
	err = exceptions.TryCatch[error](func() {
		ctx.EnumerateVariables(func(v *context.Variable) {
			w := WeightTensor{
				Scope:     v.Scope(),
				Name:      v.Name(),
				Shape:     append([]int{}, v.Shape().Dimensions...),
				Trainable: m.Trainable[VariableKey(v.Scope(), v.Name())],
			}
			switch v.DType() {
			case dtypes.Float32:
				w.Data = tensors.CopyFlatData[float32](v.Value())
			case dtypes.Int64:
				w.Ints = tensors.CopyFlatData[int64](v.Value())
			default:
				klog.V(1).Infof("%s: skipping variable %s of dtype %s", path, w.Key(), v.DType())
				return
			}
			s.Variables = append(s.Variables, w)
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	sort.Slice(s.Variables, func(i, j int) bool { return s.Variables[i].Key() < s.Variables[j].Key() })
	return s, nil
}

// LoadReport summarizes a load by name.
type LoadReport struct {
	Loaded int

	// Unused lists snapshot variables the model does not have.
	Unused []string

	// Missing lists model variables absent from the snapshot; they keep
	// their initial values.
	Missing []string

	// Mismatched lists variables present in both with different shapes.
	// They are not loaded.
	Mismatched []string
}

// Log reports the outcome of loading from source.
func (r *LoadReport) Log(source string) {
	klog.Infof("loaded %d variables from %s", r.Loaded, source)
	for _, k := range r.Unused {
		klog.Warningf("%s: unused checkpoint entry %s", source, k)
	}
	if len(r.Missing) > 0 {
		klog.Infof("%s: %d model variables not in checkpoint, kept initialized: %s",
			source, len(r.Missing), strings.Join(r.Missing, ", "))
	}
	for _, k := range r.Mismatched {
		klog.Warningf("%s: shape mismatch for %s, not loaded", source, k)
	}
}

// Match pairs the variables of a model with those of a snapshot by key. It
// returns the snapshot tensors to assign, keyed by model variable key, and
// the report of what did not match.
func Match(model []WeightTensor, snapshot []WeightTensor) (map[string]*WeightTensor, LoadReport) {
	var report LoadReport
	byKey := make(map[string]*WeightTensor, len(snapshot))
	for i := range snapshot {
		byKey[snapshot[i].Key()] = &snapshot[i]
	}
	used := make(map[string]bool, len(snapshot))
	out := make(map[string]*WeightTensor, len(model))
	for i := range model {
		key := model[i].Key()
		src, ok := byKey[key]
		if !ok {
			report.Missing = append(report.Missing, key)
			continue
		}
		used[key] = true
		if !equalShapes(src.Shape, model[i].Shape) {
			report.Mismatched = append(report.Mismatched, key)
			continue
		}
		out[key] = src
		report.Loaded++
	}
	for key := range byKey {
		if !used[key] {
			report.Unused = append(report.Unused, key)
		}
	}
	sort.Strings(report.Unused)
	sort.Strings(report.Missing)
	sort.Strings(report.Mismatched)
	return out, report
}

func equalShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

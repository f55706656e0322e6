package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	gomlxckpt "github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNames(t *testing.T) {
	assert.Equal(t, "weights.01", FileName(KindFull, 1))
	assert.Equal(t, "weights_only.09", FileName(KindWeightsOnly, 9))
	assert.Equal(t, "weights_only.40", FileName(KindWeightsOnly, 40))
}

func TestVariableKey(t *testing.T) {
	assert.Equal(t, "/global_step", VariableKey("/", "global_step"))
	assert.Equal(t, "/geometry/dense_0/weights", VariableKey("/geometry/dense_0", "weights"))
	w := WeightTensor{Scope: "/", Name: "bias"}
	assert.Equal(t, "/bias", w.Key())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Snapshot{
		Header: Header{Kind: KindFull, Epoch: 3, Step: 300},
		Variables: []WeightTensor{
			{Scope: "/geometry/dense_0", Name: "weights", Shape: []int{2, 2}, Trainable: true, Data: []float32{1, 2, 3, 4}},
			{Scope: "/optimizers/adam", Name: "global_step", Shape: []int{}, Ints: []int64{300}},
			{Scope: "/dataset", Name: "train_set_mean", Shape: []int{3}, Data: []float32{1, 2, 3}},
		},
	}
	path := Path(dir, KindFull, 3)
	require.NoError(t, Save(path, s))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Header.Version)
	assert.Equal(t, KindFull, got.Header.Kind)
	assert.Equal(t, 300, got.Header.Step)
	require.Len(t, got.Variables, 3, "the global step added for file naming is not saved")
	w := got.Find("/geometry/dense_0/weights")
	require.NotNil(t, w)
	assert.Equal(t, []float32{1, 2, 3, 4}, w.Data)
	assert.Equal(t, []int{2, 2}, w.Shape)
	assert.True(t, w.Trainable)
	assert.False(t, got.Find("/dataset/train_set_mean").Trainable)
	opt := got.Find("/optimizers/adam/global_step")
	require.NotNil(t, opt)
	assert.True(t, opt.IsOptimizerState())
	assert.Equal(t, []int64{300}, opt.Ints)

	// Only the snapshot directory is left behind, holding one gomlx
	// checkpoint and the sidecar.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir())
	assert.FileExists(t, filepath.Join(path, MetaFileName))
	files, err := filepath.Glob(filepath.Join(path, "checkpoint-*"+gomlxckpt.JsonNameSuffix))
	require.NoError(t, err)
	assert.Len(t, files, 1)
	bins, err := filepath.Glob(filepath.Join(path, "checkpoint-*"+gomlxckpt.BinDataSuffix))
	require.NoError(t, err)
	assert.Len(t, bins, 1)
}

func TestSaveReplacesExisting(t *testing.T) {
	path := Path(t.TempDir(), KindWeightsOnly, 1)
	for _, v := range []float32{1, 2} {
		require.NoError(t, Save(path, &Snapshot{
			Header:    Header{Kind: KindWeightsOnly, Epoch: 1},
			Variables: []WeightTensor{{Scope: "/embedding", Name: "bias", Shape: []int{1}, Data: []float32{v}}},
		}))
	}
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, got.Find("/embedding/bias").Data)
}

func TestSaveWeightsOnlyDropsOptimizerState(t *testing.T) {
	path := Path(t.TempDir(), KindWeightsOnly, 2)
	require.NoError(t, Save(path, &Snapshot{
		Header: Header{Kind: KindWeightsOnly, Epoch: 2, Step: 20},
		Variables: []WeightTensor{
			{Scope: "/", Name: "global_step", Shape: []int{}, Ints: []int64{20}},
			{Scope: "/embedding", Name: "bias", Shape: []int{2}, Trainable: true, Data: []float32{1, 2}},
			{Scope: "/optimizers/adam/embedding", Name: "bias", Shape: []int{2}, Data: []float32{0, 0}},
		},
	}))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, got.Find("/optimizers/adam/embedding/bias"))
	require.NotNil(t, got.Find("/global_step"), "root scope variables are kept")
	assert.Equal(t, []int64{20}, got.Find("/global_step").Ints)
	assert.True(t, got.Find("/embedding/bias").Trainable)
}

func TestSaveRejectsInvalidSnapshots(t *testing.T) {
	dir := t.TempDir()
	s := &Snapshot{
		Header:    Header{Kind: KindFull},
		Variables: []WeightTensor{{Scope: "/a", Name: "w", Shape: []int{3}, Data: []float32{1}}},
	}
	assert.Error(t, Save(filepath.Join(dir, "bad_shape"), s))

	s = &Snapshot{Variables: []WeightTensor{{Scope: "/a", Name: "w", Shape: []int{1}, Data: []float32{1}}}}
	err := Save(filepath.Join(dir, "no_kind"), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `got ""`)
	_, err = os.Stat(filepath.Join(dir, "no_kind"))
	assert.True(t, os.IsNotExist(err))

	s = &Snapshot{
		Header: Header{Kind: KindFull},
		Variables: []WeightTensor{
			{Scope: "/a", Name: "w", Shape: []int{1}, Data: []float32{1}},
			{Scope: "/a/", Name: "w", Shape: []int{1}, Data: []float32{2}},
		},
	}
	assert.Error(t, Save(filepath.Join(dir, "dup"), s))
}

func TestLoadMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "weights_only.07")
	_, err := Load(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "loading does not create the directory")
}

func TestMatchByName(t *testing.T) {
	model := []WeightTensor{
		{Scope: "/image_features/block1", Name: "weights", Shape: []int{3}},
		{Scope: "/geometry", Name: "weights", Shape: []int{2}},
		{Scope: "/embedding", Name: "weights", Shape: []int{4}},
		{Scope: "/", Name: "global_step", Shape: []int{}},
	}
	file := []WeightTensor{
		{Scope: "/image_features/block1", Name: "weights", Shape: []int{3}, Data: []float32{1, 2, 3}},
		{Scope: "/geometry", Name: "weights", Shape: []int{5}, Data: []float32{1, 2, 3, 4, 5}},
		{Scope: "/old_head", Name: "weights", Shape: []int{1}, Data: []float32{1}},
		{Scope: "/", Name: "global_step", Shape: []int{}, Ints: []int64{9}},
	}
	values, report := Match(model, file)
	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, []float32{1, 2, 3}, values["/image_features/block1/weights"].Data)
	assert.Equal(t, []int64{9}, values["/global_step"].Ints)
	assert.Equal(t, []string{"/old_head/weights"}, report.Unused)
	assert.Equal(t, []string{"/embedding/weights"}, report.Missing)
	assert.Equal(t, []string{"/geometry/weights"}, report.Mismatched)
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Latest(dir, KindWeightsOnly)
	assert.ErrorIs(t, err, os.ErrNotExist)

	one := []WeightTensor{{Scope: "/a", Name: "w", Shape: []int{1}, Data: []float32{1}}}
	for _, e := range []int{2, 10, 9} {
		require.NoError(t, Save(Path(dir, KindWeightsOnly, e), &Snapshot{Header: Header{Kind: KindWeightsOnly, Epoch: e}, Variables: one}))
	}
	require.NoError(t, Save(Path(dir, KindFull, 11), &Snapshot{Header: Header{Kind: KindFull, Epoch: 11}, Variables: one}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights_only.12"), nil, 0644))

	epoch, path, err := Latest(dir, KindWeightsOnly)
	require.NoError(t, err)
	assert.Equal(t, 10, epoch)
	assert.Equal(t, filepath.Join(dir, "weights_only.10"), path)
}

package monitor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, db.WriteScalars(0, 0, map[string]float64{"loss": 1}), "writes need a run")

	run, err := db.StartRun("/logs/a", 9)
	require.NoError(t, err)
	require.NotEmpty(t, run)
	assert.Equal(t, run, db.RunID())

	require.NoError(t, db.WriteScalars(9, 100, map[string]float64{"loss": 0.5, "val_loss": 0.7}))
	require.NoError(t, db.WriteScalars(10, 110, map[string]float64{"loss": 0.25}))
	require.NoError(t, db.WriteImage(10, "inference/frame_3", "/logs/a/inference/epoch_11/frame_3.png"))

	loss, err := db.Scalars(run, "loss")
	require.NoError(t, err)
	assert.Equal(t, []Scalar{{Epoch: 9, Step: 100, Value: 0.5}, {Epoch: 10, Step: 110, Value: 0.25}}, loss)

	val, err := db.Scalars(run, "val_loss")
	require.NoError(t, err)
	assert.Len(t, val, 1)

	images, err := db.Images(run)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "inference/frame_3", images[0].Tag)

	// Reopening keeps earlier runs; a new run gets its own id.
	require.NoError(t, db.Close())
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	run2, err := db.StartRun("/logs/a", 11)
	require.NoError(t, err)
	assert.NotEqual(t, run, run2)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, Run{ID: run, LogDir: "/logs/a", InitialEpoch: 9}, runs[0])

	empty, err := db.Scalars(run2, "loss")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

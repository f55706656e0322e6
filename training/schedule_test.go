package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_LongestPrefixWins(t *testing.T) {
	s := Schedule{
		InitiallyFrozen: []string{"image_features"},
		Stages:          []Stage{{Epoch: 4, Unfreeze: []string{"image_features/block3"}}},
	}
	require.NoError(t, s.Validate())

	before := s.TrainableAt(4)
	assert.False(t, before("/image_features/block3/conv_0"))
	assert.True(t, before("/embedding/dense_0"))

	after := s.TrainableAt(5)
	assert.True(t, after("/image_features/block3/conv_0"))
	assert.False(t, after("/image_features/block2/conv_0"))
	assert.False(t, after("/image_features"))
	assert.True(t, after("/image_features_extra"), "prefixes match whole scope segments")
}

func TestSchedule_AlwaysFrozenWins(t *testing.T) {
	s := Schedule{
		AlwaysFrozen: []string{"image_features"},
		Stages:       []Stage{{Epoch: 0, Unfreeze: []string{"image_features/block3"}}},
	}
	assert.False(t, s.TrainableAt(10)("/image_features/block3/conv_0"))
	assert.False(t, s.DeploymentTrainable("/image_features/block1"))
	assert.True(t, s.DeploymentTrainable("/geometry"))
}

func TestSchedule_Transitions(t *testing.T) {
	s := DefaultSchedule(true)
	assert.Empty(t, s.TransitionsAt(14))
	assert.Equal(t, []Stage{{Epoch: 15, Unfreeze: []string{GroupBlock3}}}, s.TransitionsAt(15))
	assert.Equal(t, []Stage{{Epoch: 30, Unfreeze: []string{GroupBlock2}}}, s.TransitionsAt(30))
	assert.Equal(t, []string{GroupBlock1, GroupBlock2, GroupBlock3}, s.Groups())

	// Resuming at epoch 9 starts with every block frozen.
	at9 := s.TrainableAt(9)
	for _, g := range []string{GroupBlock1, GroupBlock2, GroupBlock3} {
		assert.False(t, at9("/"+g+"/conv_0"), g)
	}
	assert.True(t, at9("/context/dense_0"))
}

package training

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Parameter groups of the LineNet model, as variable scope prefixes.
const (
	GroupImageFeatures = "image_features"
	GroupBlock1        = "image_features/block1"
	GroupBlock2        = "image_features/block2"
	GroupBlock3        = "image_features/block3"
)

// Stage unfreezes parameter groups at the end of a 0-based epoch.
type Stage struct {
	Epoch    int      `json:"epoch"`
	Unfreeze []string `json:"unfreeze"`
}

// Schedule decides which parameter groups are trainable at every epoch.
//
// A group is a variable scope prefix: "image_features/block3" covers every
// variable whose scope is, or is nested in, /image_features/block3. When
// several groups match a scope the longest one decides, except for
// AlwaysFrozen groups, which always win.
type Schedule struct {
	AlwaysFrozen    []string `json:"always_frozen"`
	InitiallyFrozen []string `json:"initially_frozen"`
	Stages          []Stage  `json:"stages"`
}

// DefaultSchedule returns the schedule of a training mode. Pretraining the
// image features starts with all convolution blocks frozen and unfreezes
// the top blocks progressively; the full model keeps the image features
// frozen throughout.
func DefaultSchedule(pretrainImages bool) Schedule {
	if pretrainImages {
		return Schedule{
			InitiallyFrozen: []string{GroupBlock1, GroupBlock2, GroupBlock3},
			Stages: []Stage{
				{Epoch: 15, Unfreeze: []string{GroupBlock3}},
				{Epoch: 30, Unfreeze: []string{GroupBlock2}},
			},
		}
	}
	return Schedule{AlwaysFrozen: []string{GroupImageFeatures}}
}

// Validate checks stage epochs and group names.
func (s Schedule) Validate() error {
	check := func(kind string, groups []string) error {
		for _, g := range groups {
			if normalizeScope(g) == "" {
				return errors.Errorf("%s: empty group name", kind)
			}
		}
		return nil
	}
	if err := check("always_frozen", s.AlwaysFrozen); err != nil {
		return err
	}
	if err := check("initially_frozen", s.InitiallyFrozen); err != nil {
		return err
	}
	for i, st := range s.Stages {
		if st.Epoch < 0 {
			return errors.Errorf("stage %d: negative epoch %d", i, st.Epoch)
		}
		if len(st.Unfreeze) == 0 {
			return errors.Errorf("stage %d: nothing to unfreeze", i)
		}
		if err := check("stage", st.Unfreeze); err != nil {
			return errors.Wrapf(err, "stage %d", i)
		}
	}
	return nil
}

func normalizeScope(s string) string {
	return strings.Trim(s, "/")
}

// matchLen returns the length of the longest group covering scope, -1 if
// none does.
func matchLen(scope string, groups []string) int {
	best := -1
	for _, g := range groups {
		g = normalizeScope(g)
		if g == "" {
			continue
		}
		if scope == g || strings.HasPrefix(scope, g+"/") {
			if len(g) > best {
				best = len(g)
			}
		}
	}
	return best
}

// unlockedBefore returns the groups of the stages that fired before the
// 0-based epoch, that is stages with Stage.Epoch < epoch.
func (s Schedule) unlockedBefore(epoch int) []string {
	var out []string
	for _, st := range s.Stages {
		if st.Epoch < epoch {
			out = append(out, st.Unfreeze...)
		}
	}
	return out
}

// TrainableAt returns the trainability rule in force during the 0-based
// epoch.
func (s Schedule) TrainableAt(epoch int) func(scope string) bool {
	unlocked := s.unlockedBefore(epoch)
	return func(scope string) bool {
		scope = normalizeScope(scope)
		if matchLen(scope, s.AlwaysFrozen) >= 0 {
			return false
		}
		frozen := matchLen(scope, s.InitiallyFrozen)
		if frozen < 0 {
			return true
		}
		return matchLen(scope, unlocked) >= frozen
	}
}

// DeploymentTrainable is the trainability recorded in weights-only
// snapshots: everything except the always frozen groups.
func (s Schedule) DeploymentTrainable(scope string) bool {
	return matchLen(normalizeScope(scope), s.AlwaysFrozen) < 0
}

// TransitionsAt returns the stages firing at the end of the 0-based epoch.
func (s Schedule) TransitionsAt(epoch int) []Stage {
	var out []Stage
	for _, st := range s.Stages {
		if st.Epoch == epoch {
			out = append(out, st)
		}
	}
	return out
}

// Groups returns every group the schedule mentions, sorted.
func (s Schedule) Groups() []string {
	seen := map[string]bool{}
	add := func(gs []string) {
		for _, g := range gs {
			seen[normalizeScope(g)] = true
		}
	}
	add(s.AlwaysFrozen)
	add(s.InitiallyFrozen)
	for _, st := range s.Stages {
		add(st.Unfreeze)
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

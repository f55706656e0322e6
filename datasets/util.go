package datasets

import (
	"math/rand"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

func parseInt32(s string) (int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	// Some upstream tools write integer columns as floats ("3.0").
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		if f != float64(int32(f)) {
			return 0, errors.Errorf("%q is not an integer", s)
		}
		return int32(f), nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

var frameFilePattern = regexp.MustCompile(`^lines_with_labels_(\d+)\.txt$`)

// findFrameFiles lists the line record files of a split directory together
// with the frame id encoded in their names.
func findFrameFiles(dir string) (paths []string, ids []int, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, "lines_with_labels_*.txt"))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to glob line files in %s", dir)
	}
	for _, m := range matches {
		sub := frameFilePattern.FindStringSubmatch(filepath.Base(m))
		if sub == nil {
			continue
		}
		id, err := strconv.Atoi(sub[1])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "bad frame id in %s", m)
		}
		paths = append(paths, m)
		ids = append(ids, id)
	}
	if len(paths) == 0 {
		return nil, nil, errors.Errorf("no line files found in %s", dir)
	}
	return paths, ids, nil
}

// sortByFrameID reorders paths and ids in place by increasing frame id.
func sortByFrameID(paths []string, ids []int) {
	idx := make([]int, len(ids))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return ids[idx[a]] < ids[idx[b]] })
	p2 := make([]string, len(paths))
	i2 := make([]int, len(ids))
	for dst, src := range idx {
		p2[dst] = paths[src]
		i2[dst] = ids[src]
	}
	copy(paths, p2)
	copy(ids, i2)
}

// permutation returns a permutation of [0, n) drawn from a source seeded
// with the given values, so passes are reproducible from (seed, pass).
func permutation(n int, seed int64, salt int64) []int {
	rng := rand.New(rand.NewSource(seed*1_000_003 + salt))
	return rng.Perm(n)
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

package inference

import (
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

type neighbor struct {
	idx      int
	distance float64
}

// knnNeighbors returns, for every point, up to k other points sorted by
// increasing distance. Rows are scanned linearly by a pool of workers.
func knnNeighbors(points [][]float64, k int) [][]neighbor {
	n := len(points)
	out := make([][]neighbor, n)
	if n == 0 || k <= 0 {
		return out
	}
	if k > n-1 {
		k = n - 1
	}

	jobs := make(chan int, n)
	workerCount := runtime.NumCPU()
	if workerCount > n {
		workerCount = n
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				candidates := make([]neighbor, 0, n-1)
				for j := range points {
					if j == i {
						continue
					}
					candidates = append(candidates, neighbor{idx: j, distance: floats.Distance(points[i], points[j], 2)})
				}
				sort.Slice(candidates, func(a, b int) bool {
					if candidates[a].distance == candidates[b].distance {
						return candidates[a].idx < candidates[b].idx
					}
					return candidates[a].distance < candidates[b].distance
				})
				out[i] = candidates[:k]
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

// knnAgreement is the mean, over points, of the fraction of their k nearest
// neighbors that share their instance. It returns ok=false when fewer than
// two points are given.
func knnAgreement(points [][]float64, instances []int32, k int) (float64, bool) {
	if len(points) < 2 {
		return 0, false
	}
	neighbors := knnNeighbors(points, k)
	total := 0.0
	for i, nbs := range neighbors {
		same := 0
		for _, nb := range nbs {
			if instances[nb.idx] == instances[i] {
				same++
			}
		}
		total += float64(same) / float64(len(nbs))
	}
	return total / float64(len(points)), true
}

// pairDistances splits the distances of all unordered pairs into pairs of
// the same instance and pairs of different instances.
func pairDistances(points [][]float64, instances []int32) (intra, inter []float64) {
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			d := floats.Distance(points[i], points[j], 2)
			if instances[i] == instances[j] {
				intra = append(intra, d)
			} else {
				inter = append(inter, d)
			}
		}
	}
	return intra, inter
}

package main

// Example command that loads a LineNet split, prints its statistics and
// converts one batch into gomlx tensors. With -archives it also summarizes
// the legacy image patch archives.
//
// Usage:
//   go run ./datasets/example -dir data/train
//   go run ./datasets/example -dir data/train -archives a.gob,b.gob

import (
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/Noofbiz/linenet/datasets"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	dir := flag.String("dir", "data/train", "split directory with lines_with_labels_<frame>.txt files")
	background := flag.String("background-classes", "0,1,2,20,22", "comma separated background classes")
	batchSize := flag.Int("batch-size", 4, "frames per batch")
	maxLines := flag.Int("max-line-count", 150, "line slots per frame")
	archives := flag.String("archives", "", "comma separated image patch archives to summarize")
	flag.Parse()

	var bg []int32
	for _, s := range strings.Split(*background, ",") {
		var c int32
		if _, err := fmt.Sscan(strings.TrimSpace(s), &c); err == nil {
			bg = append(bg, c)
		}
	}

	gen, err := datasets.NewLineGenerator(*dir, datasets.LineGeneratorConfig{
		Background: bg,
		Sort:       true,
		ImageShape: datasets.ImageShape{H: 64, W: 96, C: 3},
	})
	if err != nil {
		klog.Fatalf("failed to load split %s: %+v", *dir, err)
	}
	fmt.Printf("Split %s: %d frames, %d foreground lines\n", *dir, gen.FrameCount(), gen.LineCount())

	classes := map[int32]int{}
	instances := 0
	most := 0
	for i := range gen.Frames() {
		lines := gen.ForegroundLines(i)
		seen := map[int32]bool{}
		for _, l := range lines {
			classes[l.Class]++
			seen[l.Instance] = true
		}
		instances += len(seen)
		most = max(most, len(lines))
	}
	fmt.Printf("  %d instances, at most %d lines in a frame\n", instances, most)
	if most > *maxLines {
		fmt.Printf("  frames with more than %d lines will be truncated\n", *maxLines)
	}
	keys := make([]int, 0, len(classes))
	for c := range classes {
		keys = append(keys, int(c))
	}
	sort.Ints(keys)
	for _, c := range keys {
		fmt.Printf("  class %2d: %d lines\n", c, classes[int32(c)])
	}

	mean, err := gen.ComputeMean()
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	fmt.Printf("  endpoint mean: %v\n", mean)
	if err := gen.SetMean(mean); err != nil {
		klog.Fatalf("%+v", err)
	}

	it, err := gen.Iterator(*batchSize, *maxLines)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if it.StepsPerEpoch() > 0 {
		b, err := it.Next()
		if err != nil {
			klog.Fatalf("failed to build a batch: %+v", err)
		}
		inputs, labels, err := b.ToGomlxTensors()
		if err != nil {
			klog.Fatalf("failed to convert batch: %+v", err)
		}
		fmt.Printf("First batch: frames %v, valid lines %v\n", b.FrameIDs, b.MaskSums())
		for i, t := range inputs {
			fmt.Printf("  input %d: %v\n", i, t.Shape())
		}
		for i, t := range labels {
			fmt.Printf("  label %d: %v\n", i, t.Shape())
		}
	}

	if *archives == "" {
		return
	}
	a, err := datasets.LoadArchives(strings.Split(*archives, ","), false)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	for name, d := range a.Datasets {
		frames, patches := 0, 0
		for _, tr := range d.Trajectories {
			frames += len(tr.Frames)
			for _, f := range tr.Frames {
				patches += len(f.RGB)
			}
		}
		fmt.Printf("Archive dataset %s: %d trajectories, %d frames, %d rgb patches\n", name, len(d.Trajectories), frames, patches)
	}
}

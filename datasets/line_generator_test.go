package datasets

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePNG writes a w x h image filled with c.
func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// testLine is the subset of a line record the tests vary.
type testLine struct {
	start, end [3]float64
	lineType   int
	instance   int
	class      int
}

func (l testLine) row(imagePath string) string {
	return fmt.Sprintf("%g %g %g %g %g %g 0 0 1 1 0 0 0 1 %d %d %d %s",
		l.start[0], l.start[1], l.start[2], l.end[0], l.end[1], l.end[2],
		l.lineType, l.instance, l.class, imagePath)
}

// writeLineFile writes lines_with_labels_<id>.txt into dir; every line uses
// the shared image img.png, created on first use.
func writeLineFile(t *testing.T, dir string, id int, lines []testLine) {
	t.Helper()
	imgPath := filepath.Join(dir, "img.png")
	if _, err := os.Stat(imgPath); err != nil {
		writePNG(t, imgPath, 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	}
	rows := make([]string, len(lines))
	for i, l := range lines {
		rows[i] = l.row("img.png")
	}
	path := filepath.Join(dir, fmt.Sprintf("lines_with_labels_%d.txt", id))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0644))
}

func nLines(n, class int) []testLine {
	out := make([]testLine, n)
	for i := range out {
		out[i] = testLine{
			start:    [3]float64{float64(i), 1, 2},
			end:      [3]float64{float64(i) + 1, 3, 4},
			lineType: i % 4,
			instance: i % 5,
			class:    class,
		}
	}
	return out
}

var smallShape = ImageShape{H: 2, W: 3, C: 3}

func TestLineGenerator_StaticShapesAndBackground(t *testing.T) {
	dir := t.TempDir()
	// frame 0: 2 foreground + 3 background lines; frame 1: 4 foreground.
	writeLineFile(t, dir, 0, append(nLines(2, 5), nLines(3, 0)...))
	writeLineFile(t, dir, 1, nLines(4, 7))
	writeLineFile(t, dir, 2, nLines(1, 20))

	gen, err := NewLineGenerator(dir, LineGeneratorConfig{
		Background: []int32{0, 1, 2, 20, 22},
		Sort:       true,
		ImageShape: smallShape,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, gen.FrameCount())
	assert.Equal(t, 6, gen.LineCount())

	it, err := gen.Iterator(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, it.StepsPerEpoch())

	for step := 0; step < 3; step++ {
		b, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 2, 3, 3}, b.ImagesDims())
		assert.Equal(t, []int{2, 3, LineNumAttr}, b.GeometryDims())
		assert.Len(t, b.Images, 2*3*smallShape.Size())
		assert.Len(t, b.Mask, 6)
		for k, m := range b.Mask {
			if m == 0 {
				assert.Equal(t, int32(-1), b.Classes[k])
				assert.Equal(t, int32(-1), b.Instances[k])
				continue
			}
			assert.NotContains(t, []int32{0, 1, 2, 20, 22}, b.Classes[k])
		}
	}
}

func TestLineGenerator_MaskSumsMatchCappedCounts(t *testing.T) {
	dir := t.TempDir()
	counts := []int{3, 200, 0, 7}
	for id, n := range counts {
		writeLineFile(t, dir, id, nLines(n, 5))
	}
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{Sort: true, ImageShape: smallShape})
	require.NoError(t, err)

	it, err := gen.Iterator(4, 150)
	require.NoError(t, err)
	b, err := it.Next()
	require.NoError(t, err)

	assert.Equal(t, []int{3, 150, 0, 7}, b.MaskSums())
	assert.Equal(t, []int{3, 150, 0, 7}, b.Counts)
	assert.Equal(t, []int{0, 1, 2, 3}, b.FrameIDs)

	// The empty frame is all padding.
	for j := 0; j < 150; j++ {
		assert.Zero(t, b.Mask[2*150+j])
	}
}

func TestLineGenerator_MeanIsFrozenAfterIteration(t *testing.T) {
	dir := t.TempDir()
	writeLineFile(t, dir, 0, []testLine{
		{start: [3]float64{0, 0, 0}, end: [3]float64{2, 4, 6}, class: 5},
		{start: [3]float64{2, 0, 0}, end: [3]float64{0, 0, 2}, class: 5},
	})
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{ImageShape: smallShape})
	require.NoError(t, err)

	mean, err := gen.ComputeMean()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 2}, mean, 1e-9)

	require.Error(t, gen.SetMean([]float64{1, 2}))
	require.NoError(t, gen.SetMean(mean))
	require.NoError(t, gen.SetMean(mean))
	assert.Equal(t, mean, gen.Mean())

	it, err := gen.Iterator(1, 2)
	require.NoError(t, err)
	b, err := it.Next()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, -1, -2, 1, 3, 4}, b.LineGeometry(0, 0)[:6], 1e-6)

	assert.NoError(t, gen.SetMean(mean))
	assert.ErrorIs(t, gen.SetMean([]float64{0, 0, 0}), ErrMeanFrozen)
}

func TestLineIterator_WrapsAndReshuffles(t *testing.T) {
	dir := t.TempDir()
	for id := 0; id < 5; id++ {
		writeLineFile(t, dir, id, nLines(1, 5))
	}
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{Sort: true, ImageShape: smallShape})
	require.NoError(t, err)

	it, err := gen.Iterator(2, 1)
	require.NoError(t, err)
	var ids []int
	for i := 0; i < 3; i++ {
		b, err := it.Next()
		require.NoError(t, err)
		ids = append(ids, b.FrameIDs...)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 0}, ids)
	assert.Equal(t, 1, it.Pass())

	it.Reset()
	assert.Equal(t, 0, it.Pass())
	b, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, b.FrameIDs)

	shuffled, err := NewLineGenerator(dir, LineGeneratorConfig{Sort: true, Shuffle: true, Seed: 3, ImageShape: smallShape})
	require.NoError(t, err)
	collect := func() []int {
		it, err := shuffled.Iterator(5, 1)
		require.NoError(t, err)
		var out []int
		for i := 0; i < 2; i++ {
			b, err := it.Next()
			require.NoError(t, err)
			assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, b.FrameIDs)
			out = append(out, b.FrameIDs...)
		}
		return out
	}
	assert.Equal(t, collect(), collect(), "same seed must give the same passes")
}

func TestLineIterator_LineImagesAreBGRMinusMean(t *testing.T) {
	dir := t.TempDir()
	writeLineFile(t, dir, 0, nLines(1, 5))
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{
		ImageShape: smallShape,
		ImageMean:  [3]float32{1, 2, 3},
	})
	require.NoError(t, err)
	it, err := gen.Iterator(1, 2)
	require.NoError(t, err)
	b, err := it.Next()
	require.NoError(t, err)

	img := b.LineImage(0, 0)
	for p := 0; p < smallShape.H*smallShape.W; p++ {
		assert.InDelta(t, 29, img[p*3+0], 1)
		assert.InDelta(t, 18, img[p*3+1], 1)
		assert.InDelta(t, 7, img[p*3+2], 1)
	}
	for _, v := range b.LineImage(0, 1) {
		assert.Zero(t, v)
	}
}

func TestLineIterator_FlipMirrorsX(t *testing.T) {
	dir := t.TempDir()
	writeLineFile(t, dir, 0, []testLine{{start: [3]float64{5, 1, 1}, end: [3]float64{7, 1, 1}, class: 5}})
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{
		ImageShape:       smallShape,
		DataAugmentation: true,
		JitterStd:        1e-9,
	})
	require.NoError(t, err)
	it, err := gen.Iterator(1, 1)
	require.NoError(t, err)

	sawFlip, sawPlain := false, false
	for i := 0; i < 64 && !(sawFlip && sawPlain); i++ {
		b, err := it.Next()
		require.NoError(t, err)
		g := b.LineGeometry(0, 0)
		switch {
		case g[0] < 0:
			sawFlip = true
			assert.InDelta(t, -5, g[0], 1e-6)
			assert.InDelta(t, -7, g[3], 1e-6)
		default:
			sawPlain = true
			assert.InDelta(t, 5, g[0], 1e-6)
		}
		assert.InDelta(t, 1, g[1], 1e-6)
	}
	assert.True(t, sawFlip)
	assert.True(t, sawPlain)
}

func TestNewLineGenerator_BadRowNamesFileAndRow(t *testing.T) {
	dir := t.TempDir()
	writeLineFile(t, dir, 0, nLines(2, 5))
	path := filepath.Join(dir, "lines_with_labels_1.txt")
	require.NoError(t, os.WriteFile(path, []byte("# header\n0 0 0 1 1 1 0 0 1 1 0 0 0 1 7 0 5 img.png\n"), 0644))

	_, err := NewLineGenerator(dir, LineGeneratorConfig{ImageShape: smallShape})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lines_with_labels_1.txt:2")
	assert.Contains(t, err.Error(), "line_type 7")

	_, err = NewLineGenerator(t.TempDir(), LineGeneratorConfig{ImageShape: smallShape})
	assert.Error(t, err)
	_, err = NewLineGenerator(dir, LineGeneratorConfig{ImageShape: ImageShape{H: 2, W: 2, C: 4}})
	assert.Error(t, err)
}

func TestNext_MissingImageIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lines_with_labels_0.txt")
	require.NoError(t, os.WriteFile(path, []byte(nLines(1, 5)[0].row("missing.png")+"\n"), 0644))
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{ImageShape: smallShape})
	require.NoError(t, err)
	it, err := gen.Iterator(1, 1)
	require.NoError(t, err)
	_, err = it.Next()
	assert.Error(t, err)
}

func TestLineTypeRemapIsBijective(t *testing.T) {
	want := []float32{-1, -1.0 / 3, 1.0 / 3, 1}
	for lt := Discontinuity; lt <= Intersection; lt++ {
		v := RemapLineType(float32(lt))
		assert.InDelta(t, want[lt], v, 1e-6, lt.String())
		assert.InDelta(t, float32(lt), UnmapLineType(v), 1e-6)
	}
}

func TestLineDataset_FiniteEpochAndTensors(t *testing.T) {
	dir := t.TempDir()
	for id := 0; id < 5; id++ {
		writeLineFile(t, dir, id, nLines(2, 5))
	}
	gen, err := NewLineGenerator(dir, LineGeneratorConfig{ImageShape: smallShape})
	require.NoError(t, err)
	it, err := gen.Iterator(2, 3)
	require.NoError(t, err)

	ds := NewLineDataset("val", it, false)
	for i := 0; i < 2; i++ {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, "val", spec)
		require.Len(t, inputs, 3)
		require.Len(t, labels, 2)
		assert.Equal(t, []int{2, 3, 2, 3, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{2, 3, LineNumAttr}, inputs[1].Shape().Dimensions)
		assert.Equal(t, []int{2, 3}, labels[0].Shape().Dimensions)
	}
	_, _, _, err = ds.Yield()
	assert.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, err = ds.Next()
	assert.NoError(t, err)

	inf := NewLineDataset("train", it, true)
	for i := 0; i < 7; i++ {
		_, err := inf.Next()
		require.NoError(t, err)
	}
}

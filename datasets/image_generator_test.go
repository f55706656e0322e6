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

// writeIndex writes n patches under dir/rgb and an index file listing them;
// row i has center (i, i, i), line type i%4 and instance i.
func writeIndex(t *testing.T, dir string, n int) string {
	t.Helper()
	rows := make([]string, n)
	for i := 0; i < n; i++ {
		rel := filepath.Join("rgb", fmt.Sprintf("%d.png", i))
		writePNG(t, filepath.Join(dir, rel), 3, 3, color.RGBA{R: uint8(i), G: 100, B: 200, A: 255})
		rows[i] = fmt.Sprintf("%s %d %d %d %d %d", rel, i, i, i, i%4, i)
	}
	path := filepath.Join(dir, "index.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0644))
	return path
}

func TestImageGenerator_CursorGuardsEndOfData(t *testing.T) {
	dir := t.TempDir()
	index := writeIndex(t, dir, 10)
	gen, err := NewImageGenerator([]string{index}, ImageGeneratorConfig{
		ImageType: ImageTypeBGR,
		ScaleSize: ScaleSize{H: 2, W: 2},
	})
	require.NoError(t, err)
	require.Equal(t, 10, gen.DataSize())
	require.Equal(t, IndexedLabelLen, gen.LabelLen())

	c := gen.Start()
	b, c, err := gen.NextBatch(c, 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, b.Label(0))
	assert.Equal(t, []float32{3, 3, 3, 3}, b.Label(3))
	assert.InDelta(t, RemapLineType(3), b.LineTypes[3], 1e-6)

	_, c, err = gen.NextBatch(c, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Pos)

	_, after, err := gen.NextBatch(c, 4)
	assert.ErrorIs(t, err, ErrEndOfData)
	assert.Equal(t, c, after)

	c = gen.Reset(c)
	assert.Equal(t, 0, c.Pos)
	assert.Equal(t, 1, c.Epoch)
	_, _, err = gen.NextBatch(c, 4)
	assert.NoError(t, err)

	c = gen.SetPointer(c, 6)
	b, c, err = gen.NextBatch(c, 4)
	require.NoError(t, err)
	assert.Equal(t, float32(9), b.Label(3)[3])
	assert.Equal(t, 10, c.Pos)
}

func TestImageGenerator_CursorsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	index := writeIndex(t, dir, 6)
	gen, err := NewImageGenerator([]string{index}, ImageGeneratorConfig{
		ImageType: ImageTypeBGR,
		Shuffle:   true,
		Seed:      11,
		ScaleSize: ScaleSize{H: 2, W: 2},
	})
	require.NoError(t, err)

	a := gen.Start()
	b := gen.Start()
	ba, a, err := gen.NextBatch(a, 3)
	require.NoError(t, err)
	_, _, err = gen.NextBatch(a, 3)
	require.NoError(t, err)
	bb, _, err := gen.NextBatch(b, 3)
	require.NoError(t, err)
	assert.Equal(t, ba.Labels, bb.Labels)

	// A full pass visits every sample once.
	seen := map[float32]bool{}
	c := gen.Start()
	for {
		batch, next, err := gen.NextBatch(c, 2)
		if err == ErrEndOfData {
			break
		}
		require.NoError(t, err)
		for i := 0; i < batch.BatchSize; i++ {
			seen[batch.Label(i)[3]] = true
		}
		c = next
	}
	assert.Len(t, seen, 6)
}

func TestImageGenerator_ImagesAreResizedBGRMinusMean(t *testing.T) {
	dir := t.TempDir()
	index := writeIndex(t, dir, 1)
	gen, err := NewImageGenerator([]string{index}, ImageGeneratorConfig{
		ImageType:      ImageTypeBGR,
		Mean:           []float32{100, 50, 0},
		HorizontalFlip: true,
		ScaleSize:      ScaleSize{H: 5, W: 4},
	})
	require.NoError(t, err)
	b, _, err := gen.NextBatch(gen.Start(), 1)
	require.NoError(t, err)
	assert.Equal(t, ImageShape{H: 5, W: 4, C: 3}, b.Shape)
	img := b.Image(0)
	require.Len(t, img, 5*4*3)
	assert.InDelta(t, 100, img[0], 1)
	assert.InDelta(t, 50, img[1], 1)
	assert.InDelta(t, 0, img[2], 1)

	inputs, labels, err := b.ToGomlxTensors()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 4, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 1}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{1, IndexedLabelLen}, labels[0].Shape().Dimensions)
}

func TestImageGenerator_DepthChannel(t *testing.T) {
	dir := t.TempDir()
	index := writeIndex(t, dir, 1)
	depth := image.NewGray16(image.Rect(0, 0, 3, 3))
	for i := 0; i < 9; i++ {
		depth.SetGray16(i%3, i/3, color.Gray16{Y: 1234})
	}
	depthPath := filepath.Join(dir, "depth", "0.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(depthPath), 0755))
	f, err := os.Create(depthPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, depth))
	require.NoError(t, f.Close())

	gen, err := NewImageGenerator([]string{index}, ImageGeneratorConfig{
		ImageType: ImageTypeBGRD,
		Mean:      []float32{0, 0, 0, 34},
		ScaleSize: ScaleSize{H: 3, W: 3},
	})
	require.NoError(t, err)
	b, _, err := gen.NextBatch(gen.Start(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Shape.C)
	assert.InDelta(t, 1200, b.Image(0)[3], 1e-3)
}

func TestNewImageGenerator_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	index := writeIndex(t, dir, 2)

	_, err := NewImageGenerator([]string{index}, ImageGeneratorConfig{ImageType: "rgb"})
	assert.Error(t, err)
	_, err = NewImageGenerator([]string{index}, ImageGeneratorConfig{ImageType: ImageTypeBGR, Mean: []float32{1, 2, 3, 4}})
	assert.Error(t, err)
	_, err = NewImageGenerator([]string{index}, ImageGeneratorConfig{ImageType: ImageTypeBGRD, Mean: []float32{1, 2, 3}})
	assert.Error(t, err)
	_, err = NewImageGenerator(nil, ImageGeneratorConfig{ImageType: ImageTypeBGR})
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("rgb/0.png 1 2 3 9 4\n"), 0644))
	_, err = NewImageGenerator([]string{bad}, ImageGeneratorConfig{ImageType: ImageTypeBGR})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.txt:1")
}

func TestImageDataset_EOFAndReset(t *testing.T) {
	dir := t.TempDir()
	index := writeIndex(t, dir, 10)
	gen, err := NewImageGenerator([]string{index}, ImageGeneratorConfig{ImageType: ImageTypeBGR, ScaleSize: ScaleSize{H: 2, W: 2}})
	require.NoError(t, err)

	ds := NewImageDataset("triplet", gen, 4)
	assert.Equal(t, 2, ds.StepsPerEpoch())
	for i := 0; i < 2; i++ {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
	_, _, _, err = ds.Yield()
	assert.ErrorIs(t, err, io.EOF)

	ds.Reset()
	assert.Equal(t, 1, ds.Cursor().Epoch)
	_, err = ds.Next()
	assert.NoError(t, err)
}

func TestImageBatch_CentersAndInstances(t *testing.T) {
	indexed := &ImageBatch{BatchSize: 2, LabelLen: IndexedLabelLen, Labels: []float32{1, 2, 3, 7, 4, 5, 6, 8}}
	centers, err := indexed.Centers()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, centers)
	assert.Equal(t, []float32{7, 8}, indexed.InstanceLabels())

	archived := &ImageBatch{BatchSize: 1, LabelLen: ArchiveLabelLen, Labels: []float32{0, 0, 0, 2, 4, 6, 9}}
	centers, err = archived.Centers()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, centers)
	assert.Equal(t, []float32{9}, archived.InstanceLabels())
}

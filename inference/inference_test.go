package inference

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/linenet/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFrame writes a frame whose line i has instance instances[i] and
// start x = i.
func writeFrame(t *testing.T, dir string, id int, instances []int) {
	t.Helper()
	imgPath := filepath.Join(dir, "img.png")
	if _, err := os.Stat(imgPath); err != nil {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		img.Set(0, 0, color.RGBA{R: 1, A: 255})
		f, err := os.Create(imgPath)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	var rows []string
	for i, inst := range instances {
		rows = append(rows, fmt.Sprintf("%d 0 0 %d 1 0 0 0 1 1 0 0 0 0 1 %d 5 img.png", i, i, inst))
	}
	path := filepath.Join(dir, fmt.Sprintf("lines_with_labels_%d.txt", id))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0644))
}

// instanceEmbedder places every line at (10*instance + 0.01*x, 0), using
// the start x stored in the geometry.
type instanceEmbedder struct{}

func (instanceEmbedder) Embed(b *datasets.LineBatch) ([][]float32, error) {
	out := make([][]float32, b.BatchSize*b.MaxLines)
	for f := 0; f < b.BatchSize; f++ {
		for j := 0; j < b.MaxLines; j++ {
			k := f*b.MaxLines + j
			x := b.LineGeometry(f, j)[0]
			out[k] = []float32{10*float32(b.Instances[k]) + 0.01*x, 0}
		}
	}
	return out, nil
}

func TestRun_SummaryAndOutputs(t *testing.T) {
	dataDir := t.TempDir()
	writeFrame(t, dataDir, 0, []int{0, 0, 1, 1})
	writeFrame(t, dataDir, 1, []int{2, 2, 2})
	writeFrame(t, dataDir, 2, nil)
	writeFrame(t, dataDir, 3, []int{4}) // left out by floor(4/3) = 1 step

	gen, err := datasets.NewLineGenerator(dataDir, datasets.LineGeneratorConfig{
		Sort:       true,
		ImageShape: datasets.ImageShape{H: 2, W: 2, C: 3},
	})
	require.NoError(t, err)

	logDir := t.TempDir()
	s, err := Run(context.Background(), instanceEmbedder{}, gen, Options{
		LogDir:       logDir,
		Epoch:        14,
		BatchSize:    3,
		MaxLineCount: 5,
		K:            1,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, s.Frames)
	assert.Equal(t, 7, s.Lines)
	assert.InDelta(t, 1.0, s.KNNAgreement, 1e-9)
	assert.Less(t, s.IntraMean, 0.05)
	assert.Greater(t, s.InterMean, 9.0)

	outDir := filepath.Join(logDir, "inference", "epoch_15")
	assert.Equal(t, filepath.Join(outDir, "frame_0.png"), s.PlotPath)
	assert.FileExists(t, s.PlotPath)

	f, err := os.Open(filepath.Join(outDir, "embeddings.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 8)
	assert.Equal(t, []string{"frame", "line", "instance", "class", "e0", "e1"}, records[0])
	assert.Equal(t, []string{"1", "0", "2", "5"}, records[5][:4])

	assert.Contains(t, s.Scalars(), "inference/knn_agreement")
}

func TestRun_CanceledContext(t *testing.T) {
	dataDir := t.TempDir()
	writeFrame(t, dataDir, 0, []int{0, 1})
	gen, err := datasets.NewLineGenerator(dataDir, datasets.LineGeneratorConfig{ImageShape: datasets.ImageShape{H: 2, W: 2, C: 3}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, instanceEmbedder{}, gen, Options{LogDir: t.TempDir(), BatchSize: 1, MaxLineCount: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKNNAgreement(t *testing.T) {
	points := [][]float64{{0}, {1}, {10}, {11}}
	a, ok := knnAgreement(points, []int32{0, 0, 1, 1}, 1)
	require.True(t, ok)
	assert.InDelta(t, 1.0, a, 1e-9)

	a, ok = knnAgreement(points, []int32{0, 1, 0, 1}, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.0, a, 1e-9)

	_, ok = knnAgreement(points[:1], []int32{0}, 3)
	assert.False(t, ok)

	intra, inter := pairDistances(points, []int32{0, 0, 1, 1})
	assert.ElementsMatch(t, []float64{1, 1}, intra)
	assert.ElementsMatch(t, []float64{10, 11, 9, 10}, inter)
}

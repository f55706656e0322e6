// Package inference runs a trained line embedding model over a held-out
// split and measures how well the embeddings separate line instances.
//
// It is invoked by the training driver at the end of every epoch. For each
// frame it compares the embeddings of the frame's lines only: lines of the
// same instance should be close, lines of different instances far apart.
package inference

import (
	"context"
	"encoding/csv"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Noofbiz/linenet/datasets"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// DefaultK is the neighborhood size of the instance agreement.
const DefaultK = 5

// Embedder computes line embeddings. The result holds one vector per batch
// slot, in (frame, line) row-major order; vectors of padding slots are
// ignored.
type Embedder interface {
	Embed(batch *datasets.LineBatch) ([][]float32, error)
}

// Options configures Run.
type Options struct {
	// LogDir is the run's log directory; results go to
	// LogDir/inference/epoch_NN.
	LogDir string

	// Epoch is the 0-based epoch that just finished. Output directories use
	// the 1-based number, like checkpoints.
	Epoch int

	BatchSize    int
	MaxLineCount int

	// K is the neighborhood size of the instance agreement. Zero means
	// DefaultK.
	K int
}

// Summary aggregates the results of one inference pass.
type Summary struct {
	Epoch  int
	Frames int
	Lines  int

	// KNNAgreement is the mean over lines of the fraction of their K
	// nearest lines, within the frame, that share their instance.
	KNNAgreement float64

	// IntraMean and InterMean are the mean embedding distances between
	// lines of the same instance and of different instances.
	IntraMean float64
	InterMean float64

	CSVPath  string
	PlotPath string
}

// Scalars returns the summary as monitor tags.
func (s *Summary) Scalars() map[string]float64 {
	return map[string]float64{
		"inference/knn_agreement": s.KNNAgreement,
		"inference/intra_mean":    s.IntraMean,
		"inference/inter_mean":    s.InterMean,
		"inference/lines":         float64(s.Lines),
	}
}

// OutputDir returns the directory results of an epoch are written to.
func OutputDir(logDir string, epoch int) string {
	return filepath.Join(logDir, "inference", fmt.Sprintf("epoch_%02d", epoch+1))
}

// Run makes one finite pass of floor(frames/BatchSize) batches over gen.
// gen must already hold the training mean.
func Run(ctx context.Context, model Embedder, gen *datasets.LineGenerator, opts Options) (*Summary, error) {
	if opts.K == 0 {
		opts.K = DefaultK
	}
	it, err := gen.Iterator(opts.BatchSize, opts.MaxLineCount)
	if err != nil {
		return nil, err
	}
	steps := it.StepsPerEpoch()
	if steps == 0 {
		return nil, errors.Errorf("inference split %s has %d frames, fewer than batch size %d", gen.Dir, gen.FrameCount(), opts.BatchSize)
	}

	outDir := OutputDir(opts.LogDir, opts.Epoch)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", outDir)
	}
	summary := &Summary{Epoch: opts.Epoch, CSVPath: filepath.Join(outDir, "embeddings.csv")}
	csvFile, err := os.Create(summary.CSVPath)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", summary.CSVPath)
	}
	defer csvFile.Close()
	w := csv.NewWriter(csvFile)

	var agreements, intra, inter []float64
	headerWritten := false
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := it.Next()
		if err != nil {
			return nil, err
		}
		embeddings, err := model.Embed(batch)
		if err != nil {
			return nil, errors.Wrapf(err, "embed batch %d", step)
		}
		if len(embeddings) != batch.BatchSize*batch.MaxLines {
			return nil, errors.Errorf("model returned %d embeddings for %d slots", len(embeddings), batch.BatchSize*batch.MaxLines)
		}

		for f := 0; f < batch.BatchSize; f++ {
			points, instances, classes := validLines(batch, embeddings, f)
			summary.Frames++
			summary.Lines += len(points)
			if len(points) == 0 {
				continue
			}
			if !headerWritten {
				if err := w.Write(csvHeader(len(points[0]))); err != nil {
					return nil, errors.Wrap(err, "write csv header")
				}
				headerWritten = true
			}
			for j, p := range points {
				if err := w.Write(csvRow(batch.FrameIDs[f], j, instances[j], classes[j], p)); err != nil {
					return nil, errors.Wrap(err, "write csv row")
				}
			}
			if a, ok := knnAgreement(points, instances, opts.K); ok {
				agreements = append(agreements, a)
			}
			in, out := pairDistances(points, instances)
			intra = append(intra, in...)
			inter = append(inter, out...)

			if summary.PlotPath == "" {
				path := filepath.Join(outDir, fmt.Sprintf("frame_%d.png", batch.FrameIDs[f]))
				if err := plotFrame(path, batch.FrameIDs[f], points, instances); err != nil {
					return nil, errors.Wrapf(err, "plot frame %d", batch.FrameIDs[f])
				}
				summary.PlotPath = path
			}
		}
		klog.V(1).Infof("inference: batch %d/%d", step+1, steps)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrapf(err, "write %s", summary.CSVPath)
	}

	summary.KNNAgreement = meanOrZero(agreements)
	summary.IntraMean = meanOrZero(intra)
	summary.InterMean = meanOrZero(inter)
	klog.Infof("inference epoch %d: %d frames, %d lines, knn agreement %.4f, intra %.4f, inter %.4f",
		opts.Epoch+1, summary.Frames, summary.Lines, summary.KNNAgreement, summary.IntraMean, summary.InterMean)
	return summary, nil
}

func validLines(b *datasets.LineBatch, embeddings [][]float32, frame int) (points [][]float64, instances, classes []int32) {
	for j := 0; j < b.MaxLines; j++ {
		k := frame*b.MaxLines + j
		if b.Mask[k] == 0 {
			continue
		}
		p := make([]float64, len(embeddings[k]))
		for d, v := range embeddings[k] {
			p[d] = float64(v)
		}
		points = append(points, p)
		instances = append(instances, b.Instances[k])
		classes = append(classes, b.Classes[k])
	}
	return points, instances, classes
}

func meanOrZero(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func csvHeader(dims int) []string {
	h := []string{"frame", "line", "instance", "class"}
	for d := 0; d < dims; d++ {
		h = append(h, "e"+strconv.Itoa(d))
	}
	return h
}

func csvRow(frame, line int, instance, class int32, p []float64) []string {
	row := []string{
		strconv.Itoa(frame),
		strconv.Itoa(line),
		strconv.Itoa(int(instance)),
		strconv.Itoa(int(class)),
	}
	for _, v := range p {
		row = append(row, strconv.FormatFloat(v, 'g', 6, 64))
	}
	return row
}

// plotFrame draws the first two embedding dimensions of a frame's lines,
// one color per instance.
func plotFrame(path string, frameID int, points [][]float64, instances []int32) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Line embeddings, frame %d", frameID)
	p.X.Label.Text = "e0"
	p.Y.Label.Text = "e1"

	groups := map[int32]plotter.XYs{}
	var order []int32
	for i, pt := range points {
		inst := instances[i]
		if _, ok := groups[inst]; !ok {
			order = append(order, inst)
		}
		xy := plotter.XY{X: pt[0]}
		if len(pt) > 1 {
			xy.Y = pt[1]
		}
		groups[inst] = append(groups[inst], xy)
	}
	for i, inst := range order {
		sc, err := plotter.NewScatter(groups[inst])
		if err != nil {
			return err
		}
		c := plotutil.Color(i)
		r, g, b, _ := c.RGBA()
		sc.GlyphStyle.Color = color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 220}
		sc.GlyphStyle.Radius = vg.Points(2.8)
		p.Add(sc)
		p.Legend.Add("instance "+strconv.Itoa(int(inst)), sc)
	}
	p.Add(plotter.NewGrid())
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}

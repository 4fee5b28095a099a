// Package pipeline - wires engines, converters and postprocessors into the
// detect / classify / identify cascade and schedules frames through it.
package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/frame"
	"github.com/nvr-ai/go-va/gallery"
	"github.com/nvr-ai/go-va/inference"
	"github.com/nvr-ai/go-va/metadata"
	"github.com/nvr-ai/go-va/modelproc"
	"github.com/nvr-ai/go-va/postproc"
	"github.com/nvr-ai/go-va/vpp"
)

// ErrLabelMismatch reports a detection whose label id does not resolve in
// its label table while a stage filters by object class. This is a
// configuration mismatch between the detect and classify models: fatal.
var ErrLabelMismatch = errors.New("pipeline: detection label outside label table")

// Stage processes one frame, reading and extending its attached metadata.
type Stage interface {
	Name() string
	Process(ctx context.Context, f *frame.Frame) error
	Close() error
}

// DetectorConfig tunes a detect stage.
type DetectorConfig struct {
	Threshold  float32
	MaxResults int
	// Interval runs inference on every Nth frame; 0 and 1 mean every frame.
	// Skipped frames pass through without detections.
	Interval int
	Labels   *metadata.LabelTable
	Doc      *modelproc.Document
}

// Detector runs primary detection on whole frames. Process serializes on
// the engine: in load-balanced mode frames pipeline across stages, never
// through one model concurrently.
type Detector struct {
	name    string
	log     *zap.Logger
	mu      sync.Mutex
	engine  *inference.Engine
	cfg     DetectorConfig
	counter uint64
}

// NewDetector wraps an engine as a detect stage.
func NewDetector(name string, engine *inference.Engine, cfg DetectorConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Doc == nil {
		cfg.Doc = modelproc.Default()
	}
	return &Detector{name: name, log: logger, engine: engine, cfg: cfg}
}

// Name implements Stage.
func (d *Detector) Name() string { return d.name }

// Close releases the engine.
func (d *Detector) Close() error { return d.engine.Close() }

// Process scales the frame to the model input, infers, and attaches the
// extracted detections. Frames outside the inference interval pass
// through untouched.
func (d *Detector) Process(ctx context.Context, f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	if d.cfg.Interval > 1 && (d.counter-1)%uint64(d.cfg.Interval) != 0 {
		return nil
	}

	in, err := d.prepare(f, nil)
	if err != nil {
		return err
	}
	if err := d.engine.SubmitFrame(in, 0, 0); err != nil {
		return err
	}
	if err := d.engine.Infer(ctx); err != nil {
		return err
	}
	meta, err := d.engine.Result(0)
	if err != nil {
		return err
	}

	dets, err := postproc.ExtractBoundingBoxes(meta, f.Width, f.Height, postproc.DetectionParams{
		Threshold:  d.cfg.Threshold,
		MaxResults: d.cfg.MaxResults,
	}, d.cfg.Labels)
	if err != nil {
		return err
	}

	list := f.EnsureDetections()
	for _, det := range dets {
		det.ObjectID = list.Len()
		list.Append(det)
	}
	d.log.Debug("detect stage done",
		zap.String("stage", d.name),
		zap.Int64("pts", f.PTS),
		zap.Int("detections", len(dets)))
	return nil
}

// prepare crops (when rect is non-nil), scales and converts a frame for
// the engine's first input.
func (d *Detector) prepare(f *frame.Frame, rect *vpp.Rect) (*frame.Frame, error) {
	info := d.engine.InputInfo().At(0)
	outW, outH := info.Width(), info.Height()
	if outW <= 0 || outH <= 0 {
		outW, outH = f.Width, f.Height
	}
	return vpp.ForFrame(f).CropAndScale(f, rect, outW, outH, d.cfg.Doc.Preproc.ColorFormat)
}

// ClassifyStage is one secondary model in the cascade.
type ClassifyStage struct {
	Name         string
	Engine       *inference.Engine
	Doc          *modelproc.Document
	ModelName    string
	ModelVersion int
}

// Classifier runs secondary models over every detected region, in declared
// stage order per detection.
type Classifier struct {
	name   string
	log    *zap.Logger
	mu     sync.Mutex
	stages []ClassifyStage
}

// NewClassifier builds a classify stage over the given models.
func NewClassifier(name string, stages []ClassifyStage, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i := range stages {
		if stages[i].Doc == nil {
			stages[i].Doc = modelproc.Default()
		}
	}
	return &Classifier{name: name, log: logger, stages: stages}
}

// Name implements Stage.
func (c *Classifier) Name() string { return c.name }

// Close releases every engine, keeping the first error.
func (c *Classifier) Close() error {
	var first error
	for i := range c.stages {
		if err := c.stages[i].Engine.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Process crops each detection and runs it through every stage in order.
// Classifications are appended detection-major: all stages for detection
// 0, then all stages for detection 1, and so on. A crop that falls
// outside the frame skips that stage for that detection only.
func (c *Classifier) Process(ctx context.Context, f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Detections.Len() == 0 {
		return nil
	}
	cls := f.EnsureClassifications()

	for i, det := range f.Detections.Items {
		for s := range c.stages {
			st := &c.stages[s]

			if objClass := st.Doc.Preproc.ObjectClass; objClass != "" {
				if det.Labels == nil || det.LabelID < 0 || det.LabelID >= det.Labels.Len() {
					return errors.Wrapf(ErrLabelMismatch, "detection %d label_id %d, stage %q", i, det.LabelID, st.Name)
				}
				if det.Label() != objClass {
					continue
				}
			}

			rect := &vpp.Rect{X0: det.XMin, Y0: det.YMin, X1: det.XMax, Y1: det.YMax}
			info := st.Engine.InputInfo().At(0)
			crop, err := vpp.ForFrame(f).CropAndScale(f, rect, info.Width(), info.Height(), st.Doc.Preproc.ColorFormat)
			if err != nil {
				if errors.Is(err, vpp.ErrInvalidCrop) {
					c.log.Warn("skipping region outside frame",
						zap.String("stage", st.Name),
						zap.Int("detection", i),
						zap.Error(err))
					continue
				}
				return err
			}

			if err := st.Engine.SubmitFrame(crop, 0, 0); err != nil {
				return err
			}
			if err := st.Engine.Infer(ctx); err != nil {
				return err
			}

			for out := 0; out < st.Engine.OutputInfo().Len(); out++ {
				meta, err := st.Engine.Result(out)
				if err != nil {
					return err
				}
				proc := st.Doc.FindByLayer(meta.LayerName)
				result, err := postproc.Apply(proc, meta, 0, 1, i, st.ModelName)
				if err != nil {
					return err
				}
				result.ModelVersion = st.ModelVersion
				cls.Append(result)
			}
		}
	}
	return nil
}

// Identifier resolves embedding classifications against a face gallery.
type Identifier struct {
	name    string
	gallery *gallery.Gallery
}

// NewIdentifier wraps a gallery as a pipeline stage.
func NewIdentifier(name string, g *gallery.Gallery) *Identifier {
	return &Identifier{name: name, gallery: g}
}

// Name implements Stage.
func (id *Identifier) Name() string { return id.name }

// Close implements Stage; galleries hold no runtime resources.
func (id *Identifier) Close() error { return nil }

// Process implements Stage.
func (id *Identifier) Process(_ context.Context, f *frame.Frame) error {
	id.gallery.Identify(f.Classifications)
	return nil
}

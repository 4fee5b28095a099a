// Command vapipe runs the detect / classify / identify cascade over image
// inputs and emits metadata events.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/executors"
	_ "github.com/nvr-ai/go-va/executors/onnx"
	"github.com/nvr-ai/go-va/frame"
	"github.com/nvr-ai/go-va/gallery"
	"github.com/nvr-ai/go-va/inference"
	"github.com/nvr-ai/go-va/metadata"
	"github.com/nvr-ai/go-va/modelproc"
	"github.com/nvr-ai/go-va/pipeline"
	"github.com/nvr-ai/go-va/profiler"
	"github.com/nvr-ai/go-va/sink"
	"github.com/nvr-ai/go-va/util"
)

// ptsPerFrame is one frame at 25fps in 90kHz ticks.
const ptsPerFrame = 3600

func main() {
	parser := argparse.NewParser("vapipe", "Run NN inference cascade over images and emit metadata events")
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Path to detection model", Required: true})
	modelProc := parser.String("p", "model-proc", &argparse.Options{Help: "Model-proc JSON for the detection model"})
	labelFile := parser.String("l", "labels", &argparse.Options{Help: "Label file for the detection model"})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Detection confidence threshold", Default: 0.5})
	interval := parser.Int("", "interval", &argparse.Options{Help: "Run detection on every Nth frame", Default: 1})
	batchSize := parser.Int("b", "batch-size", &argparse.Options{Help: "Batch size per inference", Default: 1})
	device := parser.String("d", "device", &argparse.Options{Help: "Execution device (cpu, gpu, myriad, hddl, ...)", Default: "cpu"})
	mode := parser.Selector("", "mode", []string{"sync", "balanced"}, &argparse.Options{Help: "Scheduling mode", Default: "sync"})
	classifySpecs := parser.StringList("c", "classify", &argparse.Options{Help: "Secondary model as name:model[:model-proc], repeatable"})
	galleryFile := parser.String("g", "gallery", &argparse.Options{Help: "Face gallery JSON for identification"})
	source := parser.String("s", "source", &argparse.Options{Help: "Source name stamped into events", Default: "vapipe"})
	output := parser.String("o", "output", &argparse.Options{Help: "Event output file (default stdout)"})
	publish := parser.String("", "publish", &argparse.Options{Help: "Publish events to a ws:// endpoint instead of writing a file"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})
	inputs := parser.StringList("i", "input", &argparse.Options{Help: "Input image or directory of frames, repeatable", Required: true})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger := newLogger(*verbose)
	defer logger.Sync() //nolint:errcheck

	if err := run(logger, runConfig{
		modelFile:     *modelFile,
		modelProc:     *modelProc,
		labelFile:     *labelFile,
		threshold:     float32(*threshold),
		interval:      *interval,
		batchSize:     *batchSize,
		device:        *device,
		balanced:      *mode == "balanced",
		classifySpecs: *classifySpecs,
		galleryFile:   *galleryFile,
		source:        *source,
		output:        *output,
		publish:       *publish,
		inputs:        *inputs,
	}); err != nil {
		logger.Fatal("vapipe failed", zap.Error(err))
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

type runConfig struct {
	modelFile     string
	modelProc     string
	labelFile     string
	threshold     float32
	interval      int
	batchSize     int
	device        string
	balanced      bool
	classifySpecs []string
	galleryFile   string
	source        string
	output        string
	publish       string
	inputs        []string
}

func run(logger *zap.Logger, cfg runConfig) error {
	dev, err := dnn.ParseDevice(cfg.device)
	if err != nil {
		return err
	}

	exec, err := executors.New(executors.BackendONNX, logger)
	if err != nil {
		return err
	}

	stages, err := buildStages(logger, exec, dev, cfg)
	if err != nil {
		return err
	}

	out, err := buildSink(logger, cfg)
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck

	emit := func(f *frame.Frame) error {
		ev := metadata.NewEvent(f.PTS, f.Source, f.Width, f.Height, nil, f.Detections, f.Classifications)
		if ev == nil {
			return nil
		}
		return out.Write(ev)
	}

	mode := pipeline.Synchronous
	if cfg.balanced {
		mode = pipeline.LoadBalanced
	}
	pipe, err := pipeline.New(pipeline.Config{
		Stages: stages,
		Mode:   mode,
		Emit:   emit,
		Timer:  profiler.New(),
	}, logger)
	if err != nil {
		return err
	}
	defer pipe.Close() //nolint:errcheck

	paths, err := util.ExpandInputs(cfg.inputs)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for i, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return err
		}
		f, err := frame.FromImage(img)
		if err != nil {
			return err
		}
		f.PTS = int64(i) * ptsPerFrame
		f.Source = cfg.source
		if err := pipe.Process(ctx, f); err != nil {
			return err
		}
	}
	return pipe.Drain(ctx)
}

func buildStages(logger *zap.Logger, exec executors.Executor, dev dnn.Device, cfg runConfig) ([]pipeline.Stage, error) {
	var stages []pipeline.Stage

	detDoc := modelproc.Default()
	if cfg.modelProc != "" {
		var err error
		if detDoc, err = modelproc.Load(cfg.modelProc); err != nil {
			return nil, err
		}
	}
	var labels *metadata.LabelTable
	if cfg.labelFile != "" {
		var err error
		if labels, err = modelproc.LoadLabelFile(cfg.labelFile); err != nil {
			return nil, err
		}
	}

	params := inference.DefaultParams()
	params.ModelPath = cfg.modelFile
	params.Device = dev
	params.BatchSize = cfg.batchSize
	detEngine, err := inference.New(params, exec, logger)
	if err != nil {
		return nil, err
	}
	stages = append(stages, pipeline.NewDetector("detect", detEngine, pipeline.DetectorConfig{
		Threshold: cfg.threshold,
		Interval:  cfg.interval,
		Labels:    labels,
		Doc:       detDoc,
	}, logger))

	if len(cfg.classifySpecs) > 0 {
		var cls []pipeline.ClassifyStage
		for _, spec := range cfg.classifySpecs {
			st, err := parseClassifySpec(spec, logger, exec, dev)
			if err != nil {
				return nil, err
			}
			cls = append(cls, st)
		}
		stages = append(stages, pipeline.NewClassifier("classify", cls, logger))
	}

	if cfg.galleryFile != "" {
		g, err := gallery.Load(cfg.galleryFile, logger)
		if err != nil {
			return nil, err
		}
		stages = append(stages, pipeline.NewIdentifier("identify", g))
	}
	return stages, nil
}

// parseClassifySpec reads one name:model[:model-proc] argument.
func parseClassifySpec(spec string, logger *zap.Logger, exec executors.Executor, dev dnn.Device) (pipeline.ClassifyStage, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return pipeline.ClassifyStage{}, fmt.Errorf("classify spec %q, want name:model[:model-proc]", spec)
	}
	doc := modelproc.Default()
	if len(parts) == 3 && parts[2] != "" {
		var err error
		if doc, err = modelproc.Load(parts[2]); err != nil {
			return pipeline.ClassifyStage{}, err
		}
	}
	params := inference.DefaultParams()
	params.ModelPath = parts[1]
	params.Device = dev
	engine, err := inference.New(params, exec, logger)
	if err != nil {
		return pipeline.ClassifyStage{}, err
	}
	return pipeline.ClassifyStage{
		Name:      parts[0],
		Engine:    engine,
		Doc:       doc,
		ModelName: parts[1],
	}, nil
}

func buildSink(logger *zap.Logger, cfg runConfig) (sink.Sink, error) {
	if cfg.publish != "" {
		return sink.DialWebSocket(cfg.publish, logger)
	}
	if cfg.output != "" {
		f, err := os.OpenFile(cfg.output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o664)
		if err != nil {
			return nil, err
		}
		return sink.NewWriterSink(f), nil
	}
	return sink.NewWriterSink(os.Stdout), nil
}

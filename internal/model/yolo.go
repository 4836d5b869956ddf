// Package model runs a YOLO detector exported to ONNX through
// onnxruntime. Each YOLO value owns one session and its input/output
// tensors, so a value must not be shared between concurrent callers; the
// engine package pools them.
package model

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/detect-api/internal/engine"
)

var runtimeMu sync.Mutex

// InitRuntime loads the onnxruntime shared library and initializes the
// global environment. It is safe to call more than once.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type YOLO struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         Metadata
	opts         Options
}

var _ engine.Engine = (*YOLO)(nil)

// NewYOLO opens modelPath with pre-allocated tensors shaped by meta.
// InitRuntime must have succeeded first.
func NewYOLO(modelPath string, meta Metadata, opts Options) (*YOLO, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model metadata: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if opts.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &YOLO{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
		opts:         opts,
	}, nil
}

// Infer runs the detector on img. Boxes are returned in img's pixel
// coordinates, already thresholded and suppressed.
func (y *YOLO) Infer(ctx context.Context, img image.Image) (*engine.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	lb := preprocess(img, y.meta.ImageSize, y.inputTensor.GetData())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := y.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	instances := decode(y.outputTensor.GetData(), len(y.meta.Classes), y.meta.anchors(),
		lb, b.Dx(), b.Dy(), y.opts)

	return &engine.Output{
		Instances: instances,
		Names:     y.meta.Classes,
	}, nil
}

func (y *YOLO) Close() error {
	if y.inputTensor != nil {
		y.inputTensor.Destroy()
	}
	if y.outputTensor != nil {
		y.outputTensor.Destroy()
	}
	if y.session != nil {
		return y.session.Destroy()
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/detect-api/internal/detection"
	"github.com/Brownie44l1/detect-api/internal/imaging"
)

const DefaultWait = 10 * time.Second

// Adapter is the only code that calls into the engine. A nil handle means
// the engine failed to initialise and every call fails fast.
type Adapter struct {
	handle *Handle
	wait   time.Duration
}

func NewAdapter(h *Handle, wait time.Duration) *Adapter {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Adapter{handle: h, wait: wait}
}

// Loaded reports whether the engine handle was built at startup.
func (a *Adapter) Loaded() bool {
	return a != nil && a.handle != nil
}

// Detect runs one inference on img and returns detections in engine
// emission order.
func (a *Adapter) Detect(ctx context.Context, img *imaging.UploadedImage) ([]detection.Detection, error) {
	if !a.Loaded() {
		return nil, detection.EngineUnavailable()
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.wait)
	defer cancel()

	start := time.Now()
	e, err := a.handle.acquire(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, detection.EngineBusy("request cancelled while waiting for the detection engine", ctx.Err())
		}
		return nil, detection.EngineBusy(
			fmt.Sprintf("detection engine busy: no instance free after %s", a.wait), err)
	}
	defer a.handle.release(e)

	zerolog.Ctx(ctx).Debug().
		Dur("queued", time.Since(start)).
		Int("width", img.Width).
		Int("height", img.Height).
		Msg("Engine acquired")

	out, err := infer(ctx, e, img)
	if err != nil {
		return nil, err
	}
	return toDetections(out)
}

// infer calls the engine and converts both returned errors and panics into
// InferenceError so the instance goes back to the pool either way.
func infer(ctx context.Context, e Engine, img *imaging.UploadedImage) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Engine panicked during inference")
			out = nil
			err = detection.InferenceError("inference failed", fmt.Errorf("engine panic: %v", r))
		}
	}()

	out, err = e.Infer(ctx, img.Image)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, detection.InferenceError("inference cancelled", err)
		}
		return nil, detection.InferenceError("inference failed", err)
	}
	if out == nil {
		return nil, detection.InferenceError("inference failed", errors.New("engine returned no output"))
	}
	return out, nil
}

func toDetections(out *Output) ([]detection.Detection, error) {
	dets := make([]detection.Detection, 0, len(out.Instances))
	for i, inst := range out.Instances {
		if int(inst.ClassIndex) >= len(out.Names) {
			return nil, detection.InferenceError("inference failed",
				fmt.Errorf("detection %d has class index %d outside the %d known classes", i, inst.ClassIndex, len(out.Names)))
		}
		if !finite(inst.Confidence) || !finite(inst.Box[0]) || !finite(inst.Box[1]) ||
			!finite(inst.Box[2]) || !finite(inst.Box[3]) {
			return nil, detection.InferenceError("inference failed",
				fmt.Errorf("detection %d has a non-finite box or confidence", i))
		}
		dets = append(dets, detection.Detection{
			BBox: [4]float64{
				float64(inst.Box[0]),
				float64(inst.Box[1]),
				float64(inst.Box[2]),
				float64(inst.Box[3]),
			},
			Confidence: float64(inst.Confidence),
			Class:      out.Names[inst.ClassIndex],
		})
	}
	return dets, nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

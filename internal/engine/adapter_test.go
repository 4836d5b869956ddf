package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/detect-api/internal/detection"
	"github.com/Brownie44l1/detect-api/internal/imaging"
)

var testNames = []string{"person", "bicycle", "car"}

// fakeEngine returns a fixed output, or derives one from the image width
// when tagged is set, and records how often it was called.
type fakeEngine struct {
	calls   atomic.Int32
	out     *Output
	err     error
	panicV  any
	tagged  bool
	delay   time.Duration
	busy    atomic.Bool
	overlap atomic.Bool
	closed  atomic.Bool
}

func (f *fakeEngine) Infer(ctx context.Context, img image.Image) (*Output, error) {
	f.calls.Add(1)
	if !f.busy.CompareAndSwap(false, true) {
		f.overlap.Store(true)
	}
	defer f.busy.Store(false)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicV != nil {
		panic(f.panicV)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.tagged {
		tag := float32(img.Bounds().Dx())
		return &Output{
			Instances: []Instance{
				{Box: [4]float32{tag, tag, tag + 1, tag + 1}, Confidence: 0.5, ClassIndex: uint32(int(tag) % len(testNames))},
			},
			Names: testNames,
		}, nil
	}
	return f.out, nil
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

func uploaded(w, h int) *imaging.UploadedImage {
	return &imaging.UploadedImage{
		Filename: "test.png",
		Width:    w,
		Height:   h,
		Image:    image.NewRGBA(image.Rect(0, 0, w, h)),
	}
}

func singleHandle(t *testing.T, e Engine) *Handle {
	t.Helper()
	h, err := NewHandle(1, func(int) (Engine, error) { return e, nil })
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	return h
}

func TestDetect_PreservesEmissionOrder(t *testing.T) {
	fe := &fakeEngine{out: &Output{
		Instances: []Instance{
			{Box: [4]float32{5, 6, 7, 8}, Confidence: 0.3, ClassIndex: 2},
			{Box: [4]float32{1, 2, 3, 4}, Confidence: 0.9, ClassIndex: 0},
			{Box: [4]float32{9, 9, 10, 10}, Confidence: 0.6, ClassIndex: 1},
		},
		Names: testNames,
	}}
	a := NewAdapter(singleHandle(t, fe), time.Second)

	dets, err := a.Detect(context.Background(), uploaded(10, 10))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	want := []detection.Detection{
		{BBox: [4]float64{5, 6, 7, 8}, Confidence: float64(float32(0.3)), Class: "car"},
		{BBox: [4]float64{1, 2, 3, 4}, Confidence: float64(float32(0.9)), Class: "person"},
		{BBox: [4]float64{9, 9, 10, 10}, Confidence: float64(float32(0.6)), Class: "bicycle"},
	}
	if len(dets) != len(want) {
		t.Fatalf("got %d detections, want %d", len(dets), len(want))
	}
	for i := range want {
		if dets[i] != want[i] {
			t.Errorf("detection %d = %+v, want %+v", i, dets[i], want[i])
		}
	}
}

func TestDetect_ZeroDetections(t *testing.T) {
	fe := &fakeEngine{out: &Output{Names: testNames}}
	a := NewAdapter(singleHandle(t, fe), time.Second)

	dets, err := a.Detect(context.Background(), uploaded(4, 4))
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if dets == nil || len(dets) != 0 {
		t.Errorf("Detect() = %#v, want empty non-nil slice", dets)
	}
}

func TestDetect_EngineUnavailable(t *testing.T) {
	a := NewAdapter(nil, time.Second)

	if a.Loaded() {
		t.Error("Loaded() = true for nil handle")
	}
	_, err := a.Detect(context.Background(), uploaded(4, 4))
	if detection.KindOf(err) != detection.KindEngineUnavailable {
		t.Fatalf("kind = %v, want EngineUnavailable", detection.KindOf(err))
	}
	if err.Error() != "Model not properly loaded" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDetect_UnknownClassIndex(t *testing.T) {
	fe := &fakeEngine{out: &Output{
		Instances: []Instance{{ClassIndex: 99}},
		Names:     testNames,
	}}
	a := NewAdapter(singleHandle(t, fe), time.Second)

	_, err := a.Detect(context.Background(), uploaded(4, 4))
	if detection.KindOf(err) != detection.KindInference {
		t.Fatalf("kind = %v, want InferenceError", detection.KindOf(err))
	}
}

func TestDetect_NonFiniteOutput(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name string
		inst Instance
	}{
		{"nan box", Instance{Box: [4]float32{nan, 0, 1, 1}, Confidence: 0.5}},
		{"inf box", Instance{Box: [4]float32{0, 0, inf, 1}, Confidence: 0.5}},
		{"nan confidence", Instance{Box: [4]float32{0, 0, 1, 1}, Confidence: nan}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := &fakeEngine{out: &Output{Instances: []Instance{tt.inst}, Names: testNames}}
			a := NewAdapter(singleHandle(t, fe), time.Second)

			_, err := a.Detect(context.Background(), uploaded(4, 4))
			if detection.KindOf(err) != detection.KindInference {
				t.Fatalf("kind = %v, want InferenceError (%v)", detection.KindOf(err), err)
			}

			// The instance went back to the pool.
			fe.out = &Output{Names: testNames}
			if _, err := a.Detect(context.Background(), uploaded(4, 4)); err != nil {
				t.Errorf("follow-up Detect() error = %v", err)
			}
		})
	}
}

func TestDetect_FaultReleasesGuard(t *testing.T) {
	tests := []struct {
		name string
		fe   *fakeEngine
	}{
		{"error", &fakeEngine{err: errors.New("CUDA out of memory")}},
		{"panic", &fakeEngine{panicV: "index out of range"}},
		{"nil output", &fakeEngine{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := singleHandle(t, tt.fe)
			a := NewAdapter(h, 200*time.Millisecond)

			_, err := a.Detect(context.Background(), uploaded(4, 4))
			if detection.KindOf(err) != detection.KindInference {
				t.Fatalf("kind = %v, want InferenceError (err=%v)", detection.KindOf(err), err)
			}
			if !a.Loaded() {
				t.Error("a fault marked the engine unavailable")
			}

			// The single instance must be back in the pool.
			tt.fe.err, tt.fe.panicV = nil, nil
			tt.fe.out = &Output{Names: testNames}
			if _, err := a.Detect(context.Background(), uploaded(4, 4)); err != nil {
				t.Fatalf("follow-up Detect() error = %v", err)
			}
			if got := tt.fe.calls.Load(); got != 2 {
				t.Errorf("engine calls = %d, want 2", got)
			}
		})
	}
}

func TestDetect_BusyTimeout(t *testing.T) {
	fe := &fakeEngine{out: &Output{Names: testNames}, delay: 300 * time.Millisecond}
	h := singleHandle(t, fe)
	a := NewAdapter(h, 50*time.Millisecond)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := NewAdapter(h, time.Second).Detect(context.Background(), uploaded(4, 4))
		done <- err
	}()
	<-started
	// Let the first request take the only instance.
	deadline := time.Now().Add(time.Second)
	for fe.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, err := a.Detect(context.Background(), uploaded(4, 4))
	if detection.KindOf(err) != detection.KindEngineBusy {
		t.Fatalf("kind = %v, want EngineBusy (err=%v)", detection.KindOf(err), err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("busy error should wrap the deadline, got %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
}

func TestDetect_CancelledWhileWaiting(t *testing.T) {
	fe := &fakeEngine{out: &Output{Names: testNames}}
	h := singleHandle(t, fe)
	a := NewAdapter(h, time.Second)

	held, err := h.acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Detect(ctx, uploaded(4, 4))
	if detection.KindOf(err) != detection.KindEngineBusy || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want EngineBusy wrapping context.Canceled", err)
	}

	h.release(held)
	if _, err := a.Detect(context.Background(), uploaded(4, 4)); err != nil {
		t.Fatalf("Detect() after release error = %v", err)
	}
}

func TestDetect_CancelledDuringInference(t *testing.T) {
	fe := &fakeEngine{out: &Output{Names: testNames}, delay: time.Second}
	a := NewAdapter(singleHandle(t, fe), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Detect(ctx, uploaded(4, 4))
	if detection.KindOf(err) != detection.KindInference {
		t.Fatalf("kind = %v, want InferenceError", detection.KindOf(err))
	}

	fe.delay = 0
	if _, err := a.Detect(context.Background(), uploaded(4, 4)); err != nil {
		t.Fatalf("guard leaked after cancellation: %v", err)
	}
}

func TestDetect_ConcurrentRequestsAreIsolated(t *testing.T) {
	for _, size := range []int{1, 3} {
		t.Run(fmt.Sprintf("pool=%d", size), func(t *testing.T) {
			engines := make([]*fakeEngine, size)
			h, err := NewHandle(size, func(i int) (Engine, error) {
				engines[i] = &fakeEngine{tagged: true, delay: time.Millisecond}
				return engines[i], nil
			})
			if err != nil {
				t.Fatal(err)
			}
			a := NewAdapter(h, 5*time.Second)

			const n = 40
			var g errgroup.Group
			for i := 1; i <= n; i++ {
				g.Go(func() error {
					dets, err := a.Detect(context.Background(), uploaded(i, 1))
					if err != nil {
						return err
					}
					tag := float64(i)
					want := detection.Detection{
						BBox:       [4]float64{tag, tag, tag + 1, tag + 1},
						Confidence: 0.5,
						Class:      testNames[i%len(testNames)],
					}
					if len(dets) != 1 || dets[0] != want {
						return fmt.Errorf("request %d got %+v, want %+v", i, dets, want)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}

			var total int32
			for _, e := range engines {
				if e.overlap.Load() {
					t.Error("two inferences overlapped on one instance")
				}
				total += e.calls.Load()
			}
			if total != n {
				t.Errorf("engine calls = %d, want %d", total, n)
			}
		})
	}
}

func TestNewHandle(t *testing.T) {
	if _, err := NewHandle(0, nil); err == nil {
		t.Error("NewHandle(0) should fail")
	}

	var built []*fakeEngine
	var mu sync.Mutex
	_, err := NewHandle(3, func(i int) (Engine, error) {
		if i == 2 {
			return nil, errors.New("model file missing")
		}
		fe := &fakeEngine{}
		mu.Lock()
		built = append(built, fe)
		mu.Unlock()
		return fe, nil
	})
	if err == nil {
		t.Fatal("expected factory error")
	}
	for i, fe := range built {
		if !fe.closed.Load() {
			t.Errorf("instance %d was not closed after a failed build", i)
		}
	}
}

func TestHandle_Warmup(t *testing.T) {
	engines := make([]*fakeEngine, 2)
	h, err := NewHandle(2, func(i int) (Engine, error) {
		engines[i] = &fakeEngine{out: &Output{Names: testNames}}
		return engines[i], nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Warmup(context.Background(), 32, 32); err != nil {
		t.Fatalf("Warmup() error = %v", err)
	}
	for i, e := range engines {
		if e.calls.Load() != 1 {
			t.Errorf("instance %d warmed %d times, want 1", i, e.calls.Load())
		}
	}
	if len(h.pool) != 2 {
		t.Errorf("pool has %d instances after warmup, want 2", len(h.pool))
	}

	engines[0].err = errors.New("bad session")
	if err := h.Warmup(context.Background(), 32, 32); err == nil {
		t.Error("Warmup() should surface instance errors")
	}
	if len(h.pool) != 2 {
		t.Errorf("pool has %d instances after failed warmup, want 2", len(h.pool))
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, e := range engines {
		if !e.closed.Load() {
			t.Errorf("instance %d not closed", i)
		}
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errInvalidSize = errors.New("engine pool size must be at least 1")

// Handle is the process-wide set of engine instances. It is built once
// before serving and never rebuilt. A pool of one instance serializes
// every inference.
type Handle struct {
	instances []Engine
	pool      chan Engine
}

// NewHandle builds n instances with factory. If any instance fails to
// build, the ones already built are closed and the error is returned.
func NewHandle(n int, factory Factory) (*Handle, error) {
	if n < 1 {
		return nil, errInvalidSize
	}

	h := &Handle{
		instances: make([]Engine, 0, n),
		pool:      make(chan Engine, n),
	}
	for i := 0; i < n; i++ {
		e, err := factory(i)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to create engine instance %d: %w", i, err)
		}
		h.instances = append(h.instances, e)
		h.pool <- e
	}

	log.Debug().Int("instances", n).Msg("Engine pool ready")
	return h, nil
}

// Size is the number of inferences that may run at once.
func (h *Handle) Size() int {
	return len(h.instances)
}

// acquire takes an instance from the pool. It gives up when ctx is done.
func (h *Handle) acquire(ctx context.Context) (Engine, error) {
	select {
	case e := <-h.pool:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) release(e Engine) {
	h.pool <- e
}

// Warmup runs one inference on a blank frame through every instance so the
// first real request does not pay for lazy allocations. It holds the whole
// pool while it runs.
func (h *Handle) Warmup(ctx context.Context, width, height int) error {
	blank := image.NewRGBA(image.Rect(0, 0, width, height))

	held := make([]Engine, 0, h.Size())
	defer func() {
		for _, e := range held {
			h.release(e)
		}
	}()
	for range h.Size() {
		e, err := h.acquire(ctx)
		if err != nil {
			return err
		}
		held = append(held, e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range held {
		g.Go(func() error {
			if _, err := e.Infer(gctx, blank); err != nil {
				return fmt.Errorf("warmup instance %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close releases instances that hold native resources. It must only be
// called once no request can reach the handle.
func (h *Handle) Close() error {
	var errs []error
	for _, e := range h.instances {
		if c, ok := e.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

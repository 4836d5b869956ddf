// Package engine owns the shared detection engine: the pool of instances
// built at startup, the guard that hands them out, and the adapter that
// turns raw engine output into detections.
package engine

import (
	"context"
	"image"
)

// Engine is one detection engine instance. Infer is never called
// concurrently on the same instance.
type Engine interface {
	Infer(ctx context.Context, img image.Image) (*Output, error)
}

// Instance is one raw detection as emitted by an engine. Box is
// [x1, y1, x2, y2] in pixels of the image passed to Infer.
type Instance struct {
	Box        [4]float32
	Confidence float32
	ClassIndex uint32
}

// Output is the result of a single Infer call. Names maps a class index to
// its display name and is only valid for that call.
type Output struct {
	Instances []Instance
	Names     []string
}

// Factory builds the i-th engine instance.
type Factory func(i int) (Engine, error)

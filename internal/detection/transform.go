// Package detection holds the wire contract of the detect API and the
// error taxonomy shared by every pipeline stage. It is the only place where
// classified errors are rendered into response bodies.
package detection

import (
	"errors"
	"fmt"
)

// NewResult builds the success envelope. dets is copied so the result
// does not alias the caller's slice.
func NewResult(filename string, dets []Detection) Result {
	out := make([]Detection, len(dets))
	copy(out, dets)

	return Result{
		Success:       true,
		Detections:    out,
		Message:       fmt.Sprintf("Processed %s successfully", filename),
		NumDetections: len(out),
	}
}

// NewErrorEnvelope builds the failure envelope for err. Unclassified errors
// are reported as a bare "internal error".
func NewErrorEnvelope(err error) ErrorEnvelope {
	var de *Error
	if !errors.As(err, &de) || de.Kind == KindInternal {
		return ErrorEnvelope{Success: false, Error: "internal error"}
	}

	msg := de.Error()
	if msg == "" {
		msg = de.Kind.String()
	}
	return ErrorEnvelope{Success: false, Error: msg}
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/Brownie44l1/detect-api/internal/detection"
	"github.com/Brownie44l1/detect-api/internal/imaging"
)

// uploadField is the multipart field /detect reads the image from.
const uploadField = "file"

// multipartMemory is how much of a form is kept in memory before parts
// spill to temporary files.
const multipartMemory = 10 << 20

// Detector runs the engine on a decoded image.
type Detector interface {
	Loaded() bool
	Detect(ctx context.Context, img *imaging.UploadedImage) ([]detection.Detection, error)
}

type Handler struct {
	detector  Detector
	decoder   *imaging.Decoder
	maxUpload int64
}

func NewHandler(detector Detector, decoder *imaging.Decoder, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = imaging.DefaultMaxBytes
	}
	return &Handler{
		detector:  detector,
		decoder:   decoder,
		maxUpload: maxUpload,
	}
}

// Index is the liveness probe.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, "200")
}

// Health reports whether the engine was built at startup. It never calls
// the engine and never fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, detection.HealthResponse{
		Status:      "healthy",
		ModelLoaded: h.detector.Loaded(),
	})
}

// Detect runs decode, inference and result assembly on one uploaded image.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	data, filename, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// No engine means no point decoding.
	if !h.detector.Loaded() {
		h.fail(w, r, detection.EngineUnavailable())
		return
	}

	img, err := h.decoder.Decode(data, filename)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dets, err := h.detector.Detect(r.Context(), img)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().
		Str("filename", filename).
		Str("format", img.Format).
		Int("width", img.Width).
		Int("height", img.Height).
		Int("detections", len(dets)).
		Msg("Detection complete")

	respondJSON(w, http.StatusOK, detection.NewResult(filename, dets))
}

// readUpload extracts the single file part. Every failure here is a
// MalformedRequest and happens before the pipeline runs.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	// Leave room for multipart boundaries and headers around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+64<<10)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return nil, "", detection.MalformedRequest(
				fmt.Sprintf("upload exceeds %d byte limit", h.maxUpload), nil)
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			return nil, "", detection.MalformedRequest("request must be multipart/form-data", err)
		default:
			return nil, "", detection.MalformedRequest("failed to parse multipart form", err)
		}
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[uploadField]
	switch {
	case len(files) == 0:
		return nil, "", detection.MalformedRequest(
			fmt.Sprintf("no file uploaded: use %q as the form field name", uploadField), nil)
	case len(files) > 1:
		return nil, "", detection.MalformedRequest(
			fmt.Sprintf("expected exactly one file, got %d", len(files)), nil)
	}

	header := files[0]
	if header.Size == 0 {
		return nil, "", detection.MalformedRequest("uploaded file is empty", nil)
	}
	if header.Size > h.maxUpload {
		return nil, "", detection.MalformedRequest(
			fmt.Sprintf("upload exceeds %d byte limit", h.maxUpload), nil)
	}

	file, err := header.Open()
	if err != nil {
		return nil, "", detection.MalformedRequest("failed to open uploaded file", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", detection.MalformedRequest("failed to read uploaded file", err)
	}

	hlog.FromRequest(r).Debug().
		Str("filename", header.Filename).
		Int64("size", header.Size).
		Msg("Received upload")

	return data, header.Filename, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := detection.KindOf(err)
	logger := hlog.FromRequest(r)

	evt := logger.Error()
	if kind == detection.KindMalformedRequest {
		evt = logger.Warn()
	}
	evt.Err(err).Str("kind", kind.String()).Msg("Detection request failed")

	respondJSON(w, detection.StatusCode(err), detection.NewErrorEnvelope(err))
}

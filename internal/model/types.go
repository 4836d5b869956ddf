package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the exported model. It is read from a JSON file next
// to the .onnx weights; missing fields fall back to YOLO11n defaults.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
}

// Options are the engine's own inference settings.
type Options struct {
	ConfThreshold  float32
	IoUThreshold   float32
	MaxDetections  int
	IntraOpThreads int
	InterOpThreads int
}

const (
	DefaultImageSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.7
	DefaultMaxDetections = 300
)

func DefaultOptions() Options {
	return Options{
		ConfThreshold:  DefaultConfThreshold,
		IoUThreshold:   DefaultIoUThreshold,
		MaxDetections:  DefaultMaxDetections,
		IntraOpThreads: 1,
		InterOpThreads: 1,
	}
}

func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{1, 3, DefaultImageSize, DefaultImageSize},
		OutputShape: []int64{1, int64(4 + len(cocoClasses)), int64(yoloAnchors(DefaultImageSize))},
		Classes:     append([]string(nil), cocoClasses...),
		ImageSize:   DefaultImageSize,
		InputName:   "images",
		OutputName:  "output0",
	}
}

// LoadMetadata reads metadata from path. An empty path returns the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var fromFile Metadata
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if len(fromFile.Classes) > 0 {
		meta.Classes = fromFile.Classes
	}
	if fromFile.ImageSize > 0 {
		meta.ImageSize = fromFile.ImageSize
		meta.InputShape = []int64{1, 3, int64(fromFile.ImageSize), int64(fromFile.ImageSize)}
	}
	if len(fromFile.InputShape) > 0 {
		meta.InputShape = fromFile.InputShape
		if fromFile.ImageSize == 0 && len(fromFile.InputShape) == 4 {
			meta.ImageSize = int(fromFile.InputShape[2])
		}
	}
	if len(fromFile.OutputShape) > 0 {
		meta.OutputShape = fromFile.OutputShape
	} else {
		meta.OutputShape = []int64{1, int64(4 + len(meta.Classes)), int64(yoloAnchors(meta.ImageSize))}
	}
	if fromFile.InputName != "" {
		meta.InputName = fromFile.InputName
	}
	if fromFile.OutputName != "" {
		meta.OutputName = fromFile.OutputName
	}

	return meta, meta.Validate()
}

// Validate checks that the shapes describe a single-image YOLO head:
// input [1, 3, S, S] and output [1, 4+len(Classes), anchors].
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape %v is not [1 3 H W]", m.InputShape)
	}
	if m.InputShape[2] != int64(m.ImageSize) || m.InputShape[3] != int64(m.ImageSize) {
		return fmt.Errorf("input shape %v does not match image size %d", m.InputShape, m.ImageSize)
	}
	if len(m.OutputShape) != 3 || m.OutputShape[0] != 1 || m.OutputShape[2] <= 0 {
		return fmt.Errorf("output shape %v is not [1 C N]", m.OutputShape)
	}
	if want := int64(4 + len(m.Classes)); m.OutputShape[1] != want {
		return fmt.Errorf("output shape %v expects %d classes, metadata lists %d",
			m.OutputShape, m.OutputShape[1]-4, len(m.Classes))
	}
	return nil
}

func (m Metadata) anchors() int {
	return int(m.OutputShape[2])
}

// yoloAnchors is the number of candidate boxes a three-stride (8, 16, 32)
// YOLO head emits for a square input of the given size.
func yoloAnchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (size / stride) * (size / stride)
	}
	return n
}

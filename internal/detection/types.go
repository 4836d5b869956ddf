package detection

// Detection is one object instance found in the uploaded image.
// BBox is [x1, y1, x2, y2] in pixels of the original image.
type Detection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	Class      string     `json:"class"`
}

type Result struct {
	Success       bool        `json:"success"`
	Detections    []Detection `json:"detections"`
	Message       string      `json:"message"`
	NumDetections int         `json:"num_detections"`
}

type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

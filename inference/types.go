package inference

// Detection is one bounding box reported for a frame
type Detection struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// FrameResult holds the detections for one frame
type FrameResult struct {
	FrameNumber     int64       `json:"frame_number"`
	Detections      []Detection `json:"detections"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
}

// Response is the result of a whole window. Chunk responses are concatenated
// in request order and their totals summed.
type Response struct {
	StreamID             string        `json:"stream_id"`
	Results              []FrameResult `json:"results"`
	TotalFrames          int           `json:"total_frames"`
	TotalDetections      int           `json:"total_detections"`
	TotalInferenceTimeMs float64       `json:"total_inference_time_ms"`
}

func (r *Response) merge(chunk *Response) {
	r.Results = append(r.Results, chunk.Results...)
	r.TotalFrames += chunk.TotalFrames
	r.TotalDetections += chunk.TotalDetections
	r.TotalInferenceTimeMs += chunk.TotalInferenceTimeMs
}

type frameInput struct {
	FrameNumber int64   `json:"frame_number"`
	FrameData   string  `json:"frame_data"`
	Timestamp   *string `json:"timestamp"`
}

type predictRequest struct {
	StreamID string       `json:"stream_id"`
	Frames   []frameInput `json:"frames"`
}

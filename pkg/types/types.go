package types

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one object found by the detector
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// CountResult contains the object count returned by the vision model
type CountResult struct {
	Count       int         `json:"count"`
	Detections  []Detection `json:"detections"`
	Description string      `json:"description"`
}

// OutputConfig defines how prepared and annotated images are written
type OutputConfig struct {
	Quality   int
	Lossless  bool
	Extension string
}

package pipeline

import "time"

// Store layout defaults
const (
	DefaultBucket       = "drone-images-bucket"
	DefaultInboxPrefix  = "uploads/"
	DefaultOutboxPrefix = "predictions/"
)

// Timing defaults
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPresignTTL   = time.Hour
)

// Upload modes for the results directory
const (
	// UploadModeScan uploads every image found in the results directory on each call,
	// including outputs left behind by earlier attempts.
	UploadModeScan = "scan"

	// UploadModeProduced uploads only the files written by the current attempt.
	UploadModeProduced = "produced"
)

// ServiceRunningMessage is returned by GET /
const ServiceRunningMessage = "Detect pipeline API is running."

// ImageExtensions lists the file extensions treated as uploadable outputs
var ImageExtensions = []string{".jpg", ".png", ".jpeg"}

// MessageResponse is the body of GET /
type MessageResponse struct {
	Message string `json:"message"`
}

// PredictionsResponse is the body of GET /api/predictions
type PredictionsResponse struct {
	Predictions []string `json:"predictions"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
}

// ErrorResponse is returned for failed API requests
type ErrorResponse struct {
	Error string `json:"error"`
}

package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// HTTPConfig configures the HTTP inference adapter
type HTTPConfig struct {
	// InferenceURL receives a multipart POST with the image in the "file" field
	InferenceURL string

	// ModelPath is forwarded in the "model" field so the server loads the right weights
	ModelPath string

	// MinConfidence drops weaker detections
	MinConfidence float64

	// SkipEmpty makes Detect return no results when nothing is detected
	SkipEmpty bool

	HTTPClient *http.Client
}

// HTTPDetector calls an external inference server and annotates the image locally
type HTTPDetector struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPDetector creates a new HTTP-based detector
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDetector{cfg: cfg, client: client}
}

// Detect posts the image to the inference server and returns one annotated result,
// or none when SkipEmpty is set and nothing passed the confidence filter
func (d *HTTPDetector) Detect(ctx context.Context, imagePath string) ([]Result, error) {
	boxes, err := d.Predict(ctx, imagePath)
	if err != nil {
		return nil, err
	}

	boxes = FilterByConfidence(boxes, d.cfg.MinConfidence)
	log.Debug().Str("image", imagePath).Int("detections", len(boxes)).Msg("Inference completed")

	if len(boxes) == 0 && d.cfg.SkipEmpty {
		return nil, nil
	}
	return []Result{&AnnotatedImage{SourcePath: imagePath, Boxes: boxes}}, nil
}

// Predict returns the raw detections for imagePath
func (d *HTTPDetector) Predict(ctx context.Context, imagePath string) ([]BoundingBox, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open image: %v", ErrDetector, err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("%w: copy image data: %v", ErrDetector, err)
	}
	if d.cfg.ModelPath != "" {
		if err := writer.WriteField("model", d.cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("write model field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.InferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %v", ErrDetector, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: inference failed with status %d: %s", ErrDetector, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Detections []BoundingBox `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDetector, err)
	}
	return result.Detections, nil
}

// CheckHealth calls the /health endpoint that sits next to the inference path
func (d *HTTPDetector) CheckHealth(ctx context.Context) error {
	healthURL, err := HealthURL(d.cfg.InferenceURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("ml service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// HealthURL maps http://host/predict to http://host/health
func HealthURL(inferenceURL string) (string, error) {
	u, err := url.Parse(inferenceURL)
	if err != nil {
		return "", fmt.Errorf("invalid inference URL: %w", err)
	}
	u.Path = path.Join(path.Dir(u.Path), "health")
	u.RawQuery = ""
	return u.String(), nil
}

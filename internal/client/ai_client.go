package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
)

// AIService is the external enhancement collaborator: defect analysis and
// image generation. Implementations must honor context cancellation.
type AIService interface {
	AnalyzeImage(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResult, error)
	EnhanceImage(ctx context.Context, req *EnhanceRequest) (*EnhanceResult, error)
	IsConfigured() bool
}

// CropRegion is a pixel rectangle within the source image
type CropRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Defect is one classified problem in the source image. Coverage is the
// fraction of image area affected; Region is set for removable borders.
type Defect struct {
	Kind     model.DefectKind `json:"kind"`
	Severity float64          `json:"severity"`
	Coverage float64          `json:"coverage"`
	Region   *CropRegion      `json:"region,omitempty"`
}

// AnalyzeRequest classifies defects in an image
type AnalyzeRequest struct {
	ImageID     string  `json:"imageId"`
	Temperature float64 `json:"temperature"`
}

// AnalyzeResult lists the classified defects
type AnalyzeResult struct {
	Defects []Defect `json:"defects"`
}

// EnhanceRequest generates the enhanced image
type EnhanceRequest struct {
	ImageID      string      `json:"imageId"`
	Instructions string      `json:"instructions"`
	TargetWidth  int         `json:"targetWidth"`
	TargetHeight int         `json:"targetHeight"`
	Temperature  float64     `json:"temperature"`
	Crop         *CropRegion `json:"crop,omitempty"`
}

// EnhanceResult is the generated output
type EnhanceResult struct {
	EnhancedURL string `json:"enhancedUrl"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// APIError is a non-2xx response from the AI service
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai API error (status %d): %s", e.StatusCode, e.Body)
}

// IsTransient reports whether a failed call is worth retrying: rate
// limits, server errors and network timeouts. Context cancellation and
// client errors are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// AIClient calls the enhancement API over HTTP. When no API key is
// configured it falls back to deterministic mock responses so the rest of
// the system works in development.
type AIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewAIClient(cfg *config.AIConfig) *AIClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// IsConfigured returns true if an API key is set
func (c *AIClient) IsConfigured() bool {
	return c.apiKey != ""
}

// AnalyzeImage classifies defects in the referenced image
func (c *AIClient) AnalyzeImage(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResult, error) {
	if !c.IsConfigured() {
		return c.mockAnalyze(ctx)
	}

	body := map[string]interface{}{
		"model":       c.model,
		"image_id":    req.ImageID,
		"temperature": req.Temperature,
	}

	var result AnalyzeResult
	if err := c.post(ctx, "/images/analyze", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EnhanceImage generates the enhanced image at the target resolution
func (c *AIClient) EnhanceImage(ctx context.Context, req *EnhanceRequest) (*EnhanceResult, error) {
	if !c.IsConfigured() {
		return c.mockEnhance(ctx, req)
	}

	body := map[string]interface{}{
		"model":         c.model,
		"image_id":      req.ImageID,
		"instructions":  req.Instructions,
		"target_width":  req.TargetWidth,
		"target_height": req.TargetHeight,
		"temperature":   req.Temperature,
	}
	if req.Crop != nil {
		body["crop"] = req.Crop
	}

	var result EnhanceResult
	if err := c.post(ctx, "/images/enhance", body, &result); err != nil {
		return nil, err
	}
	if result.EnhancedURL == "" {
		return nil, fmt.Errorf("ai API returned no enhanced image")
	}
	return &result, nil
}

func (c *AIClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// mockAnalyze returns a plausible defect set for development
func (c *AIClient) mockAnalyze(ctx context.Context) (*AnalyzeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	return &AnalyzeResult{
		Defects: []Defect{
			{Kind: model.DefectLowResolution, Severity: 0.8, Coverage: 1.0},
			{Kind: model.DefectNoise, Severity: 0.4, Coverage: 0.6},
		},
	}, nil
}

// mockEnhance simulates a generation round-trip for development
func (c *AIClient) mockEnhance(ctx context.Context, req *EnhanceRequest) (*EnhanceResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	return &EnhanceResult{
		EnhancedURL: fmt.Sprintf("https://cdn.enhancr.dev/mock/%s_%dx%d.png", req.ImageID, req.TargetWidth, req.TargetHeight),
		Width:       req.TargetWidth,
		Height:      req.TargetHeight,
	}, nil
}

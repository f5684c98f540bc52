package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultInferenceURL    = "https://api-inference.huggingface.co/models/"
	DefaultClassifierModel = "protectai/deberta-v3-base-prompt-injection-v2"
)

// ClassifierConfig points at a text-classification model served over the
// Hugging Face inference protocol.
type ClassifierConfig struct {
	BaseURL string
	Model   string
	Token   string
	// UseGPU is sent as options.use_gpu. Keep false to pin the model to CPU.
	UseGPU bool
	// Threshold sets Result.Valid. Defaults to 0.5.
	Threshold float64
	Timeout   time.Duration
	Client    *http.Client
}

// Classifier scans text with a prompt-injection classifier.
type Classifier struct {
	url       string
	token     string
	useGPU    bool
	threshold float64
	client    *http.Client
}

type classifyRequest struct {
	Inputs  string         `json:"inputs"`
	Options map[string]any `json:"options,omitempty"`
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// NewClassifier validates the config and returns a Classifier.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultInferenceURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultClassifierModel
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("scanner url %q must be http or https", cfg.BaseURL)
	}
	return &Classifier{
		url:       strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.Model,
		token:     cfg.Token,
		useGPU:    cfg.UseGPU,
		threshold: cfg.Threshold,
		client:    client,
	}, nil
}

// URL is the full inference endpoint.
func (c *Classifier) URL() string { return c.url }

func (c *Classifier) Scan(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(classifyRequest{
		Inputs: text,
		// Cold models are queued rather than rejected.
		Options: map[string]any{"wait_for_model": true, "use_gpu": c.useGPU},
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, newStatusError("classifier", resp.StatusCode, raw)
	}

	labels, err := decodeLabels(raw)
	if err != nil {
		return Result{}, err
	}
	risk, err := injectionRisk(labels)
	if err != nil {
		return Result{}, err
	}
	return Result{Sanitized: text, Valid: risk <= c.threshold, RiskScore: risk}, nil
}

// decodeLabels accepts both [[{label,score}]] and [{label,score}].
func decodeLabels(raw []byte) ([]labelScore, error) {
	var nested [][]labelScore
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 {
		return nested[0], nil
	}
	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode classifier reply: %w", err)
	}
	return flat, nil
}

// injectionRisk picks the injection label's score, or derives it from the
// benign label when only that one is returned.
func injectionRisk(labels []labelScore) (float64, error) {
	for _, l := range labels {
		switch strings.ToUpper(l.Label) {
		case "INJECTION", "LABEL_1", "JAILBREAK", "UNSAFE":
			return clamp(l.Score), nil
		}
	}
	for _, l := range labels {
		switch strings.ToUpper(l.Label) {
		case "SAFE", "LABEL_0", "BENIGN":
			return clamp(1 - l.Score), nil
		}
	}
	return 0, ErrNoScore
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Package embed clients the sentence-embedding service used by the
// similarity stages.
package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/puretext/puretext/internal/resilience"
)

// errBadResponse marks responses that parsed but cannot be used. Retrying
// them would replay the same payload.
var errBadResponse = errors.New("embedding api returned malformed data")

// Config points at the embedding service.
type Config struct {
	Endpoint string
	APIKey   string
	// Model names the embedding model (text-embedding-3-small).
	Model string
	// Dimensions requests reduced vectors when > 0.
	Dimensions int
	// BatchSize caps inputs per request (128).
	BatchSize int
	// Timeout bounds one request (30s).
	Timeout time.Duration
}

func (c Config) normalize() Config {
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client batches texts against the embedding endpoint. Calls run under
// the resilience executor; embedding failures are fatal to the check that
// needed them, so errors are returned rather than degraded.
type Client struct {
	cfg    Config
	client *resty.Client
	exec   *resilience.Executor
}

// New builds an embedding client.
func New(cfg Config, exec *resilience.Executor) *Client {
	cfg = cfg.normalize()
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetTimeout(cfg.Timeout)
	return &Client{cfg: cfg, client: client, exec: exec}
}

type embedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// EmbedBatch returns one vector per input text, in input order. Inputs
// beyond the batch size are split across sequential requests.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		chunk, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d): %w", start, end, err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := c.exec.Do(ctx, "embed", func(ctx context.Context) error {
		got, callErr := c.call(ctx, texts)
		if callErr != nil {
			return callErr
		}
		vectors = got
		return nil
	}, classifyEmbedFailure)
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, error) {
	req := embedRequest{
		Model:          c.cfg.Model,
		Input:          texts,
		Dimensions:     c.cfg.Dimensions,
		EncodingFormat: "float",
	}

	var out embedResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode(), message: out.Error.Message}
	}

	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", errBadResponse, len(out.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range out.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: vector index %d out of range", errBadResponse, item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector for input %d", errBadResponse, i)
		}
	}
	return vectors, nil
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("embedding api status %d: %s", e.status, e.message)
	}
	return fmt.Sprintf("embedding api status %d", e.status)
}

// Auth rejections and malformed payloads never heal on retry.
func classifyEmbedFailure(err error) resilience.Class {
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
			return resilience.Class{Retryable: false, RecordFailure: true}
		}
		return resilience.Class{Retryable: true, RecordFailure: true}
	}
	if errors.Is(err, errBadResponse) {
		return resilience.Class{Retryable: false, RecordFailure: true}
	}
	return resilience.Class{Retryable: true, RecordFailure: true}
}

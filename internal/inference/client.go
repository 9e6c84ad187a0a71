// Package inference calls the AI inference service that classifies clothing and rates outfits.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// DefaultModelVersion is recorded when a response does not name its model.
const DefaultModelVersion = "1.0"

// maxDetailLen bounds how much of a non-JSON error body ends up in a job's error message.
const maxDetailLen = 200

// Invoker performs one inference call for a task type.
type Invoker interface {
	Invoke(ctx context.Context, taskType models.TaskType, payload any) (*Result, error)
}

// Result is a successful inference response.
type Result struct {
	Raw          json.RawMessage
	ModelVersion string
}

// HTTPClient implements Invoker against the inference service's HTTP API.
// Every call is bounded by the configured timeout regardless of the caller's context.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient creates a new inference HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Endpoint returns the request path serving taskType.
func Endpoint(taskType models.TaskType) (string, error) {
	switch taskType {
	case models.TaskClothingClassification:
		return "/classify/clothing", nil
	case models.TaskOutfitRating:
		return "/rate/outfit", nil
	default:
		_, err := models.ParseTaskType(string(taskType))
		return "", err
	}
}

func (c *HTTPClient) Invoke(ctx context.Context, taskType models.TaskType, payload any) (*Result, error) {
	path, err := Endpoint(taskType)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", taskType, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.classifyError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classifyError(ctx, callCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode, Detail: extractDetail(respBody)}
	}

	raw := bytes.TrimSpace(respBody)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: response body is not JSON", ErrInvalidResponse)
	}

	var meta struct {
		ModelVersion string `json:"model_version"`
	}
	// Non-object bodies are still valid results; they just carry no model version.
	_ = json.Unmarshal(raw, &meta)
	if meta.ModelVersion == "" {
		meta.ModelVersion = DefaultModelVersion
	}

	return &Result{Raw: json.RawMessage(raw), ModelVersion: meta.ModelVersion}, nil
}

// Ready checks that the inference service answers its health endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return c.classifyError(ctx, callCtx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: not ready (status %d)", ErrTransport, resp.StatusCode)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors. parent is the
// caller's context and callCtx the per-call one derived from it; only a deadline
// that belongs to callCtx alone is reported as the configured timeout.
func (c *HTTPClient) classifyError(parent, callCtx context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.Canceled) {
			return fmt.Errorf("inference call canceled: %w", perr)
		}
		return fmt.Errorf("inference call abandoned, caller deadline passed before the AI service answered: %w", perr)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, formatTimeout(c.timeout))
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("inference call canceled: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s", ErrTimeout, formatTimeout(c.timeout))
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// formatTimeout renders whole-second timeouts as "30 seconds" and anything finer as a duration.
func formatTimeout(d time.Duration) string {
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

// extractDetail pulls the "detail" field out of an error body. String details are
// used as is; structured ones are rendered as compact JSON.
func extractDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return UnknownErrorDetail
	}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		text := string(body)
		if len(text) > maxDetailLen {
			text = text[:maxDetailLen]
		}
		return text
	}

	if len(envelope.Detail) == 0 || string(envelope.Detail) == "null" {
		return UnknownErrorDetail
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		if s == "" {
			return UnknownErrorDetail
		}
		return s
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, envelope.Detail); err != nil {
		return string(envelope.Detail)
	}
	return compact.String()
}

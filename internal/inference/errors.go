package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for inference failures.
var (
	ErrTimeout         = errors.New("AI service timed out")
	ErrTransport       = errors.New("AI service unreachable")
	ErrInvalidResponse = errors.New("AI service returned invalid response")
)

// UnknownErrorDetail is reported when a non-success response carries no detail.
const UnknownErrorDetail = "Unknown error"

// UpstreamError is a non-success HTTP response from the inference service.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("AI service error %d: %s", e.Status, e.Detail)
}

// Retryable reports whether err is a transient failure worth another attempt.
// Transport failures and upstream 429/5xx are. Timeouts, cancellation, an expired
// caller deadline, malformed responses and other 4xx are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrInvalidResponse) {
		return false
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Status == http.StatusTooManyRequests || upErr.Status >= 500
	}

	return errors.Is(err, ErrTransport)
}

package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/inference"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// Call records one Invoke.
type Call struct {
	TaskType models.TaskType
	Payload  any
}

// MockInvoker satisfies inference.Invoker for testing. It is safe for concurrent use.
type MockInvoker struct {
	InvokeFunc func(ctx context.Context, taskType models.TaskType, payload any) (*inference.Result, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockInvoker) Invoke(ctx context.Context, taskType models.TaskType, payload any) (*inference.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{TaskType: taskType, Payload: payload})
	m.mu.Unlock()

	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, taskType, payload)
	}
	return &inference.Result{Raw: json.RawMessage(`{}`), ModelVersion: inference.DefaultModelVersion}, nil
}

// Calls returns a copy of every call made so far.
func (m *MockInvoker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Invoke ran.
func (m *MockInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Canned responses returned by NewMockInvoker.
const (
	ClassificationResponse = `{"category":"top","subcategory":"t-shirt","colors":["white"],"pattern":"solid","fit":"regular","fabric":"cotton","season":"summer","embedding":[0.1,0.2],"confidence":0.93,"model_version":"mock-v1"}`
	RatingResponse         = `{"rating":8.2,"color_score":7.5,"proportion_score":8,"style_score":9,"feedback":"Mock feedback","model_version":"mock-v1"}`
)

// NewMockInvoker returns a MockInvoker with sensible default responses per task type.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		InvokeFunc: func(_ context.Context, taskType models.TaskType, _ any) (*inference.Result, error) {
			switch taskType {
			case models.TaskClothingClassification:
				return &inference.Result{Raw: json.RawMessage(ClassificationResponse), ModelVersion: "mock-v1"}, nil
			case models.TaskOutfitRating:
				return &inference.Result{Raw: json.RawMessage(RatingResponse), ModelVersion: "mock-v1"}, nil
			default:
				return nil, fmt.Errorf("mock invoker: unsupported task type %q", taskType)
			}
		},
	}
}

// NewFailingInvoker returns a MockInvoker that always returns the given error.
func NewFailingInvoker(err error) *MockInvoker {
	return &MockInvoker{
		InvokeFunc: func(_ context.Context, _ models.TaskType, _ any) (*inference.Result, error) {
			return nil, err
		},
	}
}

// NewTimeoutInvoker returns a MockInvoker that hangs like an unresponsive service and
// gives up after bound, or earlier if the context ends, reporting a timeout.
func NewTimeoutInvoker(bound time.Duration) *MockInvoker {
	return &MockInvoker{
		InvokeFunc: func(ctx context.Context, _ models.TaskType, _ any) (*inference.Result, error) {
			timer := time.NewTimer(bound)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			return nil, fmt.Errorf("%w after %s", inference.ErrTimeout, bound)
		},
	}
}

// NewRoutedInvoker returns a MockInvoker that answers with fn, letting a test
// decide per payload which calls fail.
func NewRoutedInvoker(fn func(taskType models.TaskType, payload any) (*inference.Result, error)) *MockInvoker {
	return &MockInvoker{
		InvokeFunc: func(_ context.Context, taskType models.TaskType, payload any) (*inference.Result, error) {
			return fn(taskType, payload)
		},
	}
}

// Compile-time check that MockInvoker implements Invoker.
var _ inference.Invoker = (*MockInvoker)(nil)

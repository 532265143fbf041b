package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

type fakeProvider struct {
	name         string
	defaultModel string
}

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return nil, errors.New("fake provider has no transport")
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return nil, errors.New("fake provider has no transport")
}

func (f *fakeProvider) DefaultModel() string { return f.defaultModel }
func (f *fakeProvider) Name() string         { return f.name }

func testRunner() *FallbackRunner {
	return NewFallbackRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFallbackFirstCandidateWins(t *testing.T) {
	r := testRunner()
	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}

	var tried []string
	got, err := RunWithModelFallback(context.Background(), r, []Candidate{{Provider: a}, {Provider: b}},
		func(ctx context.Context, c Candidate) (string, error) {
			tried = append(tried, c.Provider.Name())
			return "hello", nil
		})
	if err != nil {
		t.Fatalf("RunWithModelFallback() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("result = %q, want %q", got, "hello")
	}
	if len(tried) != 1 || tried[0] != "a" {
		t.Errorf("tried = %v, want [a]", tried)
	}
}

func TestFallbackAdvancesPastFailure(t *testing.T) {
	r := testRunner()
	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}

	var tried []string
	got, err := RunWithModelFallback(context.Background(), r, []Candidate{{Provider: a}, {Provider: b}},
		func(ctx context.Context, c Candidate) (string, error) {
			tried = append(tried, c.Provider.Name())
			if c.Provider.Name() == "a" {
				return "", &HTTPError{Status: http.StatusInternalServerError, Body: "boom"}
			}
			return "from-b", nil
		})
	if err != nil {
		t.Fatalf("RunWithModelFallback() error = %v", err)
	}
	if got != "from-b" {
		t.Errorf("result = %q, want %q", got, "from-b")
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v, want both candidates", tried)
	}
}

func TestFallbackContextOverflowSkipsRemaining(t *testing.T) {
	r := testRunner()
	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}

	calls := 0
	overflow := errors.New("API error 400: context_length_exceeded")
	_, err := RunWithModelFallback(context.Background(), r, []Candidate{{Provider: a}, {Provider: b}},
		func(ctx context.Context, c Candidate) (string, error) {
			calls++
			return "", overflow
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1; overflow must not cascade to fallbacks", calls)
	}
	if !errors.Is(err, overflow) {
		t.Errorf("err = %v, want the overflow error itself", err)
	}
	var allFailed *AllFailedError
	if errors.As(err, &allFailed) {
		t.Errorf("err = %v, must not be wrapped as AllFailedError", err)
	}
}

func TestFallbackCancellationSkipsRemaining(t *testing.T) {
	r := testRunner()
	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}

	calls := 0
	_, err := RunWithModelFallback(context.Background(), r, []Candidate{{Provider: a}, {Provider: b}},
		func(ctx context.Context, c Candidate) (string, error) {
			calls++
			return "", fmt.Errorf("send: %w", context.Canceled)
		})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFallbackAllCandidatesFail(t *testing.T) {
	r := testRunner()
	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}

	lastErr := &HTTPError{Status: http.StatusBadGateway, Body: "b down"}
	_, err := RunWithModelFallback(context.Background(), r, []Candidate{{Provider: a}, {Provider: b}},
		func(ctx context.Context, c Candidate) (string, error) {
			if c.Provider.Name() == "a" {
				return "", &HTTPError{Status: http.StatusInternalServerError, Body: "a down"}
			}
			return "", lastErr
		})

	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("err = %v, want *AllFailedError", err)
	}
	if allFailed.Error() != "All models failed (2)" {
		t.Errorf("Error() = %q, want %q", allFailed.Error(), "All models failed (2)")
	}
	if len(allFailed.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(allFailed.Attempts))
	}
	if !errors.Is(err, lastErr) {
		t.Errorf("Unwrap should expose the last failure, got %v", err)
	}
}

func TestFallbackCollapsesDuplicates(t *testing.T) {
	r := testRunner()
	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}

	calls := 0
	candidates := []Candidate{{Provider: a}, {Provider: a, Model: "model-a"}, {Provider: b}}
	_, err := RunWithModelFallback(context.Background(), r, candidates,
		func(ctx context.Context, c Candidate) (string, error) {
			calls++
			return "", &HTTPError{Status: http.StatusInternalServerError}
		})
	if calls != 2 {
		t.Errorf("calls = %d, want 2 after dedup", calls)
	}
	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) || len(allFailed.Attempts) != 2 {
		t.Errorf("err = %v, want AllFailedError with 2 attempts", err)
	}
}

func TestFallbackCooldownSkipsUnlessLast(t *testing.T) {
	r := testRunner()
	base := time.Now()
	current := base
	r.now = func() time.Time { return current }

	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}
	pair := []Candidate{{Provider: a}, {Provider: b}}

	failA := func(ctx context.Context, c Candidate) (string, error) {
		if c.Provider.Name() == "a" {
			return "", &HTTPError{Status: http.StatusInternalServerError}
		}
		return "from-b", nil
	}

	// First run records a's failure.
	if _, err := RunWithModelFallback(context.Background(), r, pair, failA); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	// Within the cooldown window a is skipped when alternatives exist.
	current = base.Add(10 * time.Second)
	var tried []string
	if _, err := RunWithModelFallback(context.Background(), r, pair,
		func(ctx context.Context, c Candidate) (string, error) {
			tried = append(tried, c.Provider.Name())
			return "ok", nil
		}); err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if len(tried) != 1 || tried[0] != "b" {
		t.Errorf("tried = %v, want only b while a cools down", tried)
	}

	// As the sole remaining candidate a is tried despite the cooldown.
	tried = nil
	if _, err := RunWithModelFallback(context.Background(), r, []Candidate{{Provider: a}},
		func(ctx context.Context, c Candidate) (string, error) {
			tried = append(tried, c.Provider.Name())
			return "ok", nil
		}); err != nil {
		t.Fatalf("solo run error = %v", err)
	}
	if len(tried) != 1 || tried[0] != "a" {
		t.Errorf("tried = %v, want a as the last remaining option", tried)
	}

	// The success above cleared the failure, so a leads again.
	tried = nil
	if _, err := RunWithModelFallback(context.Background(), r, pair,
		func(ctx context.Context, c Candidate) (string, error) {
			tried = append(tried, c.Provider.Name())
			return "ok", nil
		}); err != nil {
		t.Fatalf("final run error = %v", err)
	}
	if len(tried) != 1 || tried[0] != "a" {
		t.Errorf("tried = %v, want a after its cooldown was cleared", tried)
	}
}

func TestFallbackCooldownExpires(t *testing.T) {
	r := testRunner()
	base := time.Now()
	current := base
	r.now = func() time.Time { return current }

	a := &fakeProvider{name: "a", defaultModel: "model-a"}
	b := &fakeProvider{name: "b", defaultModel: "model-b"}
	pair := []Candidate{{Provider: a}, {Provider: b}}

	if _, err := RunWithModelFallback(context.Background(), r, pair,
		func(ctx context.Context, c Candidate) (string, error) {
			if c.Provider.Name() == "a" {
				return "", &HTTPError{Status: http.StatusInternalServerError}
			}
			return "from-b", nil
		}); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	current = base.Add(DefaultFallbackCooldown + time.Second)
	var tried []string
	if _, err := RunWithModelFallback(context.Background(), r, pair,
		func(ctx context.Context, c Candidate) (string, error) {
			tried = append(tried, c.Provider.Name())
			return "ok", nil
		}); err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if len(tried) != 1 || tried[0] != "a" {
		t.Errorf("tried = %v, want a once its cooldown lapsed", tried)
	}
}

func TestFallbackNoCandidates(t *testing.T) {
	r := testRunner()
	_, err := RunWithModelFallback(context.Background(), r, nil,
		func(ctx context.Context, c Candidate) (string, error) {
			return "", nil
		})
	if err == nil {
		t.Fatal("expected error for empty candidate list")
	}
}

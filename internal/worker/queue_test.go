package worker

import (
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
)

func newTestQueue() *Queue {
	return NewQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnqueueAssignsSequentialIDs(t *testing.T) {
	q := newTestQueue()

	first := q.Enqueue(EnqueueRequest{Description: "a", Prompt: "a"})
	second := q.Enqueue(EnqueueRequest{Description: "b", Prompt: "b"})

	if !regexp.MustCompile(`^heavy-1-\d+$`).MatchString(first) {
		t.Fatalf("first id = %q, want heavy-1-<timestamp>", first)
	}
	if !regexp.MustCompile(`^heavy-2-\d+$`).MatchString(second) {
		t.Fatalf("second id = %q, want heavy-2-<timestamp>", second)
	}
}

func TestEnqueueDefaultsType(t *testing.T) {
	q := newTestQueue()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", TypeGeneral},
		{"unknown", "make_coffee", TypeGeneral},
		{"known", TypeCodeReview, TypeCodeReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := q.Enqueue(EnqueueRequest{Description: "d", Prompt: "p", Type: tt.in})
			task, ok := q.Get(id)
			if !ok {
				t.Fatalf("task %s not found", id)
			}
			if task.Type != tt.want {
				t.Fatalf("type = %q, want %q", task.Type, tt.want)
			}
		})
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	q := newTestQueue()

	first := q.Enqueue(EnqueueRequest{Description: "first", Prompt: "one"})
	second := q.Enqueue(EnqueueRequest{Description: "second", Prompt: "two"})

	a, ok := q.Dequeue()
	if !ok || a.ID != first {
		t.Fatalf("first dequeue = %+v, want id %s", a, first)
	}
	if a.Status != StatusRunning || a.StartedAt == 0 {
		t.Fatalf("dequeued task not running: %+v", a)
	}

	b, ok := q.Dequeue()
	if !ok || b.ID != second {
		t.Fatalf("second dequeue = %+v, want id %s", b, second)
	}

	if _, ok := q.Dequeue(); ok {
		t.Fatal("third dequeue should report empty")
	}
}

func TestCompleteInvokesCallback(t *testing.T) {
	q := newTestQueue()

	var got string
	id := q.Enqueue(EnqueueRequest{
		Description: "analysis",
		Prompt:      "think hard",
		OnComplete:  func(result string) { got = result },
	})
	q.Dequeue()

	if !q.Complete(id, "the answer") {
		t.Fatal("Complete = false, want true")
	}
	if got != "the answer" {
		t.Fatalf("callback result = %q, want %q", got, "the answer")
	}
	task, _ := q.Get(id)
	if task.Status != StatusCompleted || task.Result != "the answer" || task.CompletedAt == 0 {
		t.Fatalf("task after complete: %+v", task)
	}
}

func TestFailInvokesCallback(t *testing.T) {
	q := newTestQueue()

	var got error
	id := q.Enqueue(EnqueueRequest{
		Description: "doomed",
		Prompt:      "fail",
		OnError:     func(err error) { got = err },
	})
	q.Dequeue()

	boom := errors.New("backend unreachable")
	if !q.Fail(id, boom) {
		t.Fatal("Fail = false, want true")
	}
	if !errors.Is(got, boom) {
		t.Fatalf("callback error = %v, want %v", got, boom)
	}
	task, _ := q.Get(id)
	if task.Status != StatusFailed || task.Error != "backend unreachable" {
		t.Fatalf("task after fail: %+v", task)
	}
}

func TestCompleteUnknownID(t *testing.T) {
	q := newTestQueue()
	if q.Complete("heavy-99-123", "x") {
		t.Fatal("Complete on unknown id = true, want false")
	}
	if q.Fail("heavy-99-123", errors.New("x")) {
		t.Fatal("Fail on unknown id = true, want false")
	}
}

func TestCountsTrackLifecycle(t *testing.T) {
	q := newTestQueue()

	a := q.Enqueue(EnqueueRequest{Description: "a", Prompt: "a"})
	b := q.Enqueue(EnqueueRequest{Description: "b", Prompt: "b"})
	q.Enqueue(EnqueueRequest{Description: "c", Prompt: "c"})

	if p, r, c, f := q.Counts(); p != 3 || r != 0 || c != 0 || f != 0 {
		t.Fatalf("counts = %d/%d/%d/%d, want 3/0/0/0", p, r, c, f)
	}
	if !q.HasPending() || q.HasRunning() {
		t.Fatal("expected pending work and nothing running")
	}

	q.Dequeue()
	q.Dequeue()
	if p, r, _, _ := q.Counts(); p != 1 || r != 2 {
		t.Fatalf("counts after dequeues = %d pending %d running, want 1/2", p, r)
	}
	if !q.HasRunning() {
		t.Fatal("expected running work")
	}

	q.Complete(a, "done")
	q.Fail(b, errors.New("boom"))
	if p, r, c, f := q.Counts(); p != 1 || r != 0 || c != 1 || f != 1 {
		t.Fatalf("final counts = %d/%d/%d/%d, want 1/0/1/1", p, r, c, f)
	}
}

func TestPruneDropsTerminalOnly(t *testing.T) {
	q := newTestQueue()

	a := q.Enqueue(EnqueueRequest{Description: "a", Prompt: "a"})
	b := q.Enqueue(EnqueueRequest{Description: "b", Prompt: "b"})
	c := q.Enqueue(EnqueueRequest{Description: "c", Prompt: "c"})
	d := q.Enqueue(EnqueueRequest{Description: "d", Prompt: "d"})

	q.Dequeue() // a
	q.Dequeue() // b
	q.Dequeue() // c
	q.Complete(a, "ok")
	q.Fail(b, errors.New("boom"))

	if removed := q.Prune(); removed != 2 {
		t.Fatalf("Prune removed %d, want 2", removed)
	}
	if _, ok := q.Get(a); ok {
		t.Fatal("completed task survived prune")
	}
	if _, ok := q.Get(b); ok {
		t.Fatal("failed task survived prune")
	}
	if _, ok := q.Get(c); !ok {
		t.Fatal("running task pruned")
	}
	if _, ok := q.Get(d); !ok {
		t.Fatal("pending task pruned")
	}
	if got := q.Snapshot(); len(got) != 2 {
		t.Fatalf("snapshot after prune = %d tasks, want 2", len(got))
	}
}

func TestQueueEmitsTransitionEvents(t *testing.T) {
	q := newTestQueue()

	var mu sync.Mutex
	var events []string
	q.SetOnEvent(func(event string, task Task) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event+":"+task.Status)
	})

	a := q.Enqueue(EnqueueRequest{Description: "a", Prompt: "a"})
	b := q.Enqueue(EnqueueRequest{Description: "b", Prompt: "b"})
	q.Dequeue()
	q.Dequeue()
	q.Complete(a, "ok")
	q.Fail(b, errors.New("boom"))

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		EventTaskEnqueued + ":" + StatusPending,
		EventTaskEnqueued + ":" + StatusPending,
		EventTaskCompleted + ":" + StatusCompleted,
		EventTaskFailed + ":" + StatusFailed,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

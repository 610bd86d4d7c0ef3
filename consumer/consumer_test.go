package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omnigate/steward/dlq"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/provider"
	"github.com/omnigate/steward/queue"
	qmemory "github.com/omnigate/steward/queue/memory"
	smemory "github.com/omnigate/steward/store/memory"
	"github.com/omnigate/steward/task"
)

// fakeProvider returns a scripted response or error per call.
type fakeProvider struct {
	text  string
	err   error
	calls int
}

func (f *fakeProvider) Complete(_ context.Context, _ *provider.Request) (string, error) {
	f.calls++
	return f.text, f.err
}

type fixture struct {
	stream   *qmemory.Stream
	store    *smemory.Store
	provider *fakeProvider
	consumer *Consumer
}

func newFixture(t *testing.T, p *fakeProvider, opts ...Option) *fixture {
	t.Helper()
	stream := qmemory.New()
	store := smemory.New()
	finalizer := task.NewFinalizer(store, task.WithRefusalKeywords([]string{"I cannot help"}))
	dlqSvc := dlq.NewService(stream)

	opts = append([]Option{WithName("test-worker")}, opts...)
	c := New(stream, store, finalizer, dlqSvc, p, opts...)

	if err := stream.EnsureGroup(context.Background(), c.streamKey, c.group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	return &fixture{stream: stream, store: store, provider: p, consumer: c}
}

// enqueue creates a PENDING task, appends its payload, and delivers the
// message to the fixture consumer so it sits in the pending list.
func (f *fixture) enqueue(t *testing.T, status task.Status) (queue.Message, id.TaskID) {
	t.Helper()
	ctx := context.Background()

	taskID := id.NewTaskID()
	if err := f.store.CreateTask(ctx, &task.Task{ID: taskID, Status: status, Prompt: "hi"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	values, err := queue.EncodePayload(&queue.TaskPayload{TaskID: taskID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if _, err := f.stream.Add(ctx, f.consumer.streamKey, values, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	msgs, err := f.stream.ReadNew(ctx, f.consumer.streamKey, f.consumer.group, f.consumer.name, 1, 0)
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	return msgs[0], taskID
}

func (f *fixture) pendingCount(t *testing.T) int {
	t.Helper()
	msgs, err := f.stream.ReadPending(context.Background(), f.consumer.streamKey, f.consumer.group, f.consumer.name, 100)
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	return len(msgs)
}

func (f *fixture) taskStatus(t *testing.T, taskID id.TaskID) task.Status {
	t.Helper()
	tk, err := f.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return tk.Status
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t, &fakeProvider{text: "hello there"})
	msg, taskID := f.enqueue(t, task.StatusPending)

	if err := f.consumer.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.taskStatus(t, taskID); got != task.StatusSuccess {
		t.Errorf("status = %q, want %q", got, task.StatusSuccess)
	}
	if f.pendingCount(t) != 0 {
		t.Error("message not acked after success")
	}
}

func TestProcessRefusalFailsButAcks(t *testing.T) {
	f := newFixture(t, &fakeProvider{text: "I cannot help with that request"})
	msg, taskID := f.enqueue(t, task.StatusPending)

	if err := f.consumer.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.taskStatus(t, taskID); got != task.StatusFailed {
		t.Errorf("status = %q, want %q", got, task.StatusFailed)
	}
	if f.pendingCount(t) != 0 {
		t.Error("refused result must still ack the message")
	}
}

func TestProcessProviderUnavailableLeavesPending(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: &provider.UnavailableError{Err: errors.New("connection refused")}})
	msg, taskID := f.enqueue(t, task.StatusPending)

	if err := f.consumer.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.taskStatus(t, taskID); got != task.StatusFailed {
		t.Errorf("status = %q, want %q", got, task.StatusFailed)
	}
	if f.pendingCount(t) != 1 {
		t.Error("unreachable provider must leave the message pending for retry")
	}
}

func TestProcessProviderRejectedAcks(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: &provider.RejectedError{Status: 500, Body: "boom"}})
	msg, taskID := f.enqueue(t, task.StatusPending)

	if err := f.consumer.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := f.taskStatus(t, taskID); got != task.StatusFailed {
		t.Errorf("status = %q, want %q", got, task.StatusFailed)
	}
	if f.pendingCount(t) != 0 {
		t.Error("rejected request must ack; retrying reproduces the rejection")
	}
}

func TestProcessClaimLostWritesNothing(t *testing.T) {
	p := &fakeProvider{text: "should never run"}
	f := newFixture(t, p)
	msg, taskID := f.enqueue(t, task.StatusSuccess)

	if err := f.consumer.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if p.calls != 0 {
		t.Error("provider called for a task another execution already finished")
	}
	if got := f.taskStatus(t, taskID); got != task.StatusSuccess {
		t.Errorf("terminal state overwritten: status = %q", got)
	}
	if f.pendingCount(t) != 0 {
		t.Error("lost claim must still ack the duplicate delivery")
	}
}

func TestProcessMalformedMessageDeadLetters(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	ctx := context.Background()

	if _, err := f.stream.Add(ctx, f.consumer.streamKey, map[string]string{queue.PayloadKey: "{not json"}, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	msgs, err := f.stream.ReadNew(ctx, f.consumer.streamKey, f.consumer.group, f.consumer.name, 1, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadNew: %v (%d msgs)", err, len(msgs))
	}

	if err := f.consumer.process(ctx, msgs[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.pendingCount(t) != 0 {
		t.Error("poison message not acked")
	}
	if got := f.stream.Len(dlq.DefaultStream); got != 1 {
		t.Errorf("dead-letter stream holds %d entries, want 1", got)
	}
}

func TestRecoverReplaysCrashedTask(t *testing.T) {
	p := &fakeProvider{text: "recovered answer"}
	f := newFixture(t, p)

	// Simulate a crash mid-flight: the message was delivered and the task
	// claimed, but neither completion nor ack happened.
	_, taskID := f.enqueue(t, task.StatusProcessing)

	if err := f.consumer.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := f.taskStatus(t, taskID); got != task.StatusSuccess {
		t.Errorf("status after recovery = %q, want %q", got, task.StatusSuccess)
	}
	if f.pendingCount(t) != 0 {
		t.Error("recovered message not acked")
	}

	// A second recovery pass (recovery itself interrupted and restarted)
	// must not re-execute anything.
	if err := f.consumer.Recover(context.Background()); err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times across recovery restarts, want 1", p.calls)
	}
}

func TestRecoverTerminatesWithUnreachableProvider(t *testing.T) {
	p := &fakeProvider{err: &provider.UnavailableError{Err: errors.New("connection refused")}}
	f := newFixture(t, p)
	_, taskID := f.enqueue(t, task.StatusPending)

	// The entry stays pending for retry; Recover must still finish.
	if err := f.consumer.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times in one pass, want 1", p.calls)
	}
	if f.pendingCount(t) != 1 {
		t.Error("unreachable-provider entry must remain pending")
	}
	if got := f.taskStatus(t, taskID); got != task.StatusFailed {
		t.Errorf("status = %q, want %q", got, task.StatusFailed)
	}
}

func TestRecoverReachesEntriesBeyondFirstWindow(t *testing.T) {
	p := &fakeProvider{err: &provider.UnavailableError{Err: errors.New("connection refused")}}
	f := newFixture(t, p, WithBatchSize(2))

	// More deliberately-retained entries than one read window holds: with
	// the provider down, nothing gets acked, so the head of the backlog
	// never shrinks and the entries behind it are only reachable by
	// widening the window.
	ids := make([]id.TaskID, 0, 3)
	for range 3 {
		_, taskID := f.enqueue(t, task.StatusPending)
		ids = append(ids, taskID)
	}

	if err := f.consumer.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("provider called %d times, want every pending entry tried once", p.calls)
	}
	if f.pendingCount(t) != 3 {
		t.Errorf("pending count = %d, want all entries retained for retry", f.pendingCount(t))
	}
	for _, taskID := range ids {
		if got := f.taskStatus(t, taskID); got != task.StatusFailed {
			t.Errorf("task %s status = %q, want %q", taskID, got, task.StatusFailed)
		}
	}
}

func TestRecoverSkipsFinishedTask(t *testing.T) {
	p := &fakeProvider{text: "should never run"}
	f := newFixture(t, p)

	// Completed but unacked: the crash happened after the terminal write.
	_, taskID := f.enqueue(t, task.StatusSuccess)

	if err := f.consumer.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if p.calls != 0 {
		t.Error("provider re-invoked for an already-successful task")
	}
	if got := f.taskStatus(t, taskID); got != task.StatusSuccess {
		t.Errorf("status = %q, want untouched SUCCESS", got)
	}
	if f.pendingCount(t) != 0 {
		t.Error("already-finished delivery not acked during recovery")
	}
}

func TestRecoverDiscardsStaleMessage(t *testing.T) {
	p := &fakeProvider{text: "too late"}
	f := newFixture(t, p)
	ctx := context.Background()

	taskID := id.NewTaskID()
	if err := f.store.CreateTask(ctx, &task.Task{ID: taskID, Status: task.StatusPending}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	values, err := queue.EncodePayload(&queue.TaskPayload{TaskID: taskID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if _, err := f.stream.AddAt(ctx, f.consumer.streamKey, values, time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatalf("AddAt: %v", err)
	}
	if _, err := f.stream.ReadNew(ctx, f.consumer.streamKey, f.consumer.group, f.consumer.name, 1, 0); err != nil {
		t.Fatalf("ReadNew: %v", err)
	}

	if err := f.consumer.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if p.calls != 0 {
		t.Error("stale message was processed")
	}
	if f.pendingCount(t) != 0 {
		t.Error("stale message not acked off the pending list")
	}
	if got := f.taskStatus(t, taskID); got != task.StatusPending {
		t.Errorf("stale discard wrote task state: %q", got)
	}
}

func TestRecoverDeadLettersMalformedPending(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	ctx := context.Background()

	if _, err := f.stream.Add(ctx, f.consumer.streamKey, map[string]string{queue.PayloadKey: "garbage"}, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := f.stream.ReadNew(ctx, f.consumer.streamKey, f.consumer.group, f.consumer.name, 1, 0); err != nil {
		t.Fatalf("ReadNew: %v", err)
	}

	if err := f.consumer.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if f.pendingCount(t) != 0 {
		t.Error("malformed pending entry not retired")
	}
	if got := f.stream.Len(dlq.DefaultStream); got != 1 {
		t.Errorf("dead-letter stream holds %d entries, want 1", got)
	}
}

func TestRunConsumesNewMessages(t *testing.T) {
	f := newFixture(t, &fakeProvider{text: "live answer"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.consumer.Run(ctx) }()

	taskID := id.NewTaskID()
	if err := f.store.CreateTask(ctx, &task.Task{ID: taskID, Status: task.StatusPending, Prompt: "hi"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	values, err := queue.EncodePayload(&queue.TaskPayload{TaskID: taskID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if _, err := f.stream.Add(ctx, f.consumer.streamKey, values, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for f.taskStatus(t, taskID) != task.StatusSuccess {
		select {
		case <-deadline:
			t.Fatalf("task never reached SUCCESS, status = %q", f.taskStatus(t, taskID))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

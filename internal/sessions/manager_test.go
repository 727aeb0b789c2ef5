package sessions

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/queue"
	"github.com/amcp-io/amcp/pkg/models"
)

type stubRunner struct {
	delay time.Duration
	err   error
	runs  atomic.Int32
}

func (r *stubRunner) Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error) {
	r.runs.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return &agent.RunResult{StopReason: agent.StopCancelled}, nil
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	req.History.Append(models.Message{Role: models.RoleAssistant, Content: "ok: " + req.Prompt})
	return &agent.RunResult{
		Text:       "ok: " + req.Prompt,
		Steps:      1,
		Usage:      models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		StopReason: agent.StopComplete,
	}, nil
}

func newTestManager(t *testing.T, runner Runner, maxSessions int) *Manager {
	t.Helper()
	return NewManager(Options{
		Runner:      runner,
		Specs:       agent.NewSpecRegistry("test-model", ""),
		Logger:      quietLogger(),
		WorkDir:     t.TempDir(),
		MaxSessions: maxSessions,
	})
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)

	sess, err := m.Create("", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "session-") || len(sess.ID) != len("session-")+12 {
		t.Errorf("unexpected session id %q", sess.ID)
	}
	if sess.AgentName != "coder" {
		t.Errorf("expected default agent coder, got %s", sess.AgentName)
	}
	if sess.Status != models.SessionIdle {
		t.Errorf("expected idle, got %s", sess.Status)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("expected %s, got %s", sess.ID, got.ID)
	}
}

func TestCreateUnknownAgent(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	_, err := m.Create("", "wizard")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestCreateMaxSessions(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 1)
	if _, err := m.Create("", ""); err != nil {
		t.Fatal(err)
	}
	_, err := m.Create("", "")
	if !errors.Is(err, ErrMaxSessions) {
		t.Errorf("expected ErrMaxSessions, got %v", err)
	}
}

func TestPromptUpdatesCounters(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	sess, _ := m.Create("", "")

	outcome, err := m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "do it"})
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if outcome.Result == nil || outcome.Result.Text != "ok: do it" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	got, _ := m.Get(sess.ID)
	if got.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", got.MessageCount)
	}
	if got.TokenUsage.TotalTokens != 15 {
		t.Errorf("expected 15 tokens, got %d", got.TokenUsage.TotalTokens)
	}
	if got.Status != models.SessionIdle {
		t.Errorf("expected idle after run, got %s", got.Status)
	}
}

func TestPromptUnknownSession(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	_, err := m.Prompt(context.Background(), "session-missing", &PromptRequest{Content: "x"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPromptRejectWhenBusy(t *testing.T) {
	runner := &stubRunner{delay: 2 * time.Second}
	m := newTestManager(t, runner, 0)
	sess, _ := m.Create("", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "slow"})
	}()

	waitUntil(t, func() bool { return m.Queue().IsBusy(sess.ID) })

	_, err := m.Prompt(context.Background(), sess.ID, &PromptRequest{
		Content:          "rejected",
		ConflictStrategy: queue.StrategyReject,
	})
	if !errors.Is(err, queue.ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}

	m.Cancel(sess.ID, false)
	<-done
}

func TestPromptQueueWhenBusyDrains(t *testing.T) {
	runner := &stubRunner{delay: 50 * time.Millisecond}
	m := newTestManager(t, runner, 0)
	sess, _ := m.Create("", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "first"})
	}()

	waitUntil(t, func() bool { return m.Queue().IsBusy(sess.ID) })

	outcome, err := m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "second"})
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if outcome.Queued == nil {
		t.Fatal("expected prompt to be queued")
	}

	<-done
	// The drain runs in the background after the first prompt returns.
	waitUntil(t, func() bool { return runner.runs.Load() == 2 })
	waitUntil(t, func() bool { return !m.Queue().IsBusy(sess.ID) })
}

func TestPromptReturnsBeforeQueueDrains(t *testing.T) {
	runner := &stubRunner{delay: 100 * time.Millisecond}
	m := newTestManager(t, runner, 0)
	sess, _ := m.Create("", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "first"})
	}()
	waitUntil(t, func() bool { return m.Queue().IsBusy(sess.ID) })

	if outcome, _ := m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "second"}); outcome.Queued == nil {
		t.Fatal("expected second prompt queued")
	}

	select {
	case <-done:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("first prompt should return without waiting for the queued one")
	}

	waitUntil(t, func() bool { return runner.runs.Load() == 2 })
	waitUntil(t, func() bool { return !m.Queue().IsBusy(sess.ID) })
}

func TestCancelClearsQueue(t *testing.T) {
	runner := &stubRunner{delay: 2 * time.Second}
	m := newTestManager(t, runner, 0)
	sess, _ := m.Create("", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "slow"})
	}()
	waitUntil(t, func() bool { return m.Queue().IsBusy(sess.ID) })

	if outcome, _ := m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "waiting"}); outcome.Queued == nil {
		t.Fatal("expected second prompt queued")
	}

	if err := m.Cancel(sess.ID, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done

	got, _ := m.Get(sess.ID)
	if got.QueuedCount != 0 {
		t.Errorf("expected empty queue, got %d", got.QueuedCount)
	}
	if runner.runs.Load() != 1 {
		t.Errorf("cancelled queue should not run, runs = %d", runner.runs.Load())
	}
}

func TestCancelledSessionReturnsToIdle(t *testing.T) {
	runner := &stubRunner{delay: 2 * time.Second}
	m := newTestManager(t, runner, 0)
	sess, _ := m.Create("", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "slow"})
	}()
	waitUntil(t, func() bool { return m.Queue().IsBusy(sess.ID) })

	if err := m.Cancel(sess.ID, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	<-done
	waitUntil(t, func() bool {
		got, _ := m.Get(sess.ID)
		return got.Status == models.SessionIdle
	})
}

func TestCancelIdleSessionStaysCancelled(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	sess, _ := m.Create("", "")

	if err := m.Cancel(sess.ID, false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := m.Get(sess.ID)
	if got.Status != models.SessionCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

type dialogueRunner struct{}

func (dialogueRunner) Run(_ context.Context, req *agent.RunRequest) (*agent.RunResult, error) {
	req.History.Append(models.Message{Role: models.RoleUser, Content: req.Prompt})
	req.History.Append(models.Message{Role: models.RoleAssistant, Content: "ack"})
	return &agent.RunResult{Text: "ack", Steps: 1, StopReason: agent.StopComplete}, nil
}

func TestMessageCountFollowsHistory(t *testing.T) {
	m := newTestManager(t, dialogueRunner{}, 0)
	sess, _ := m.Create("", "")

	if _, err := m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "hi"}); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	got, _ := m.Get(sess.ID)
	if got.MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", got.MessageCount)
	}

	if err := m.ClearHistory(sess.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(sess.ID)
	if got.MessageCount != 0 {
		t.Errorf("expected message count 0 after clear, got %d", got.MessageCount)
	}
}

func TestConnectionCounting(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	sess, _ := m.Create("", "")

	m.ClientConnected(sess.ID)
	m.ClientConnected(sess.ID)
	if got, _ := m.Get(sess.ID); got.Connections != 2 {
		t.Errorf("expected 2 connections, got %d", got.Connections)
	}

	m.ClientDisconnected(sess.ID)
	if got, _ := m.Get(sess.ID); got.Connections != 1 {
		t.Errorf("expected 1 connection, got %d", got.Connections)
	}

	// Disconnects never go negative, and unknown sessions are ignored.
	m.ClientDisconnected(sess.ID)
	m.ClientDisconnected(sess.ID)
	if got, _ := m.Get(sess.ID); got.Connections != 0 {
		t.Errorf("expected 0 connections, got %d", got.Connections)
	}
	m.ClientConnected("session-missing")
}

func TestDelete(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	sess, _ := m.Create("", "")

	if err := m.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := m.Delete(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on double delete, got %v", err)
	}
}

func TestListSortedByCreation(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	first, _ := m.Create("", "")
	second, _ := m.Create("", "")

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("expected creation order, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	m := newTestManager(t, &stubRunner{}, 0)
	sess, _ := m.Create("", "")

	if _, err := m.Prompt(context.Background(), sess.ID, &PromptRequest{Content: "hello"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := m.History(sess.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "ok: hello" {
		t.Errorf("unexpected history %+v", msgs)
	}

	if err := m.ClearHistory(sess.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ = m.History(sess.ID, 0)
	if len(msgs) != 0 {
		t.Errorf("expected cleared history, got %+v", msgs)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/reviewflow/internal/domain"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []domain.Message
}

func (s *recordingSender) Send(userID, processID string, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func planMessage(planID string) func() (domain.Message, error) {
	return func() (domain.Message, error) {
		return domain.NewMessage(domain.MessageTypePlanApprovalRequest, "run_1", 1, domain.PlanApprovalPayload{PlanID: planID})
	}
}

type outcome[T any] struct {
	value T
	err   error
}

func requestAsync[T any](g *Gate[T], ctx context.Context, req Request) <-chan outcome[T] {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := g.Request(ctx, req)
		ch <- outcome[T]{v, err}
	}()
	return ch
}

func waitPending[T any](t *testing.T, g *Gate[T], key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := g.Owner(key)
		return ok
	}, time.Second, time.Millisecond)
}

func TestRequestResolve(t *testing.T) {
	sender := &recordingSender{}
	g := New[bool]("approval", sender, zerolog.Nop())

	done := requestAsync(g, context.Background(), Request{Key: "p1", RunID: "run_1", UserID: "u1", Message: planMessage("p1")})
	waitPending(t, g, "p1")

	owner, ok := g.Owner("p1")
	assert.True(t, ok)
	assert.Equal(t, "run_1", owner)
	key, ok := g.Pending("run_1")
	assert.True(t, ok)
	assert.Equal(t, "p1", key)
	assert.Equal(t, 1, sender.count())

	require.NoError(t, g.Resolve("p1", true))
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.True(t, out.value)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 0, g.Len())
}

func TestResolveTwiceConflicts(t *testing.T) {
	g := New[bool]("approval", &recordingSender{}, zerolog.Nop())
	done := requestAsync(g, context.Background(), Request{Key: "p1", RunID: "run_1"})
	waitPending(t, g, "p1")

	require.NoError(t, g.Resolve("p1", false))
	err := g.Resolve("p1", true)
	assert.True(t, errors.Is(err, domain.ErrStateConflict))

	out := <-done
	require.NoError(t, out.err)
	assert.False(t, out.value, "the second resolution must not change the outcome")
}

func TestResolvedKeyCanBeRequestedAgain(t *testing.T) {
	sender := &recordingSender{}
	g := New[bool]("approval", sender, zerolog.Nop())

	first := requestAsync(g, context.Background(), Request{Key: "p1", RunID: "run_1", Message: planMessage("p1")})
	waitPending(t, g, "p1")
	require.NoError(t, g.Resolve("p1", true))
	require.NoError(t, (<-first).err)

	second := requestAsync(g, context.Background(), Request{Key: "p1", RunID: "run_2", Message: planMessage("p1")})
	waitPending(t, g, "p1")
	owner, _ := g.Owner("p1")
	assert.Equal(t, "run_2", owner)
	assert.Equal(t, 2, sender.count())

	require.NoError(t, g.Resolve("p1", false))
	out := <-second
	require.NoError(t, out.err)
	assert.False(t, out.value)
	assert.True(t, errors.Is(g.Resolve("p1", true), domain.ErrStateConflict))
}

func TestResolveUnknownKey(t *testing.T) {
	g := New[string]("clarification", &recordingSender{}, zerolog.Nop())
	err := g.Resolve("r404", "answer")
	assert.True(t, errors.Is(err, domain.ErrUnknownID))
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, 0, g.Len())

	// an unknown key stays unknown; no tombstone was created
	err = g.Resolve("r404", "answer")
	assert.True(t, errors.Is(err, domain.ErrUnknownID))
}

func TestDuplicatePendingKeyConflicts(t *testing.T) {
	sender := &recordingSender{}
	g := New[bool]("approval", sender, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requestAsync(g, ctx, Request{Key: "p1", RunID: "run_1", Message: planMessage("p1")})
	waitPending(t, g, "p1")

	built := false
	_, err := g.Request(ctx, Request{Key: "p1", RunID: "run_2", Message: func() (domain.Message, error) {
		built = true
		return domain.Message{}, nil
	}})
	assert.True(t, errors.Is(err, domain.ErrStateConflict))
	assert.False(t, built)
	assert.Equal(t, 1, sender.count())

	_, err = g.Request(ctx, Request{Key: "p2", RunID: "run_1"})
	assert.True(t, errors.Is(err, domain.ErrStateConflict), "a run holds at most one pending entry")
}

func TestRequestCancelled(t *testing.T) {
	g := New[string]("clarification", &recordingSender{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := requestAsync(g, ctx, Request{Key: "r1", RunID: "run_1"})
	waitPending(t, g, "r1")

	cancel()
	select {
	case out := <-done:
		assert.True(t, errors.Is(out.err, domain.ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("cancellation did not wake the waiter")
	}

	assert.Equal(t, 0, g.Len())
	_, ok := g.Pending("run_1")
	assert.False(t, ok)
	assert.True(t, errors.Is(g.Resolve("r1", "late"), domain.ErrUnknownID))
}

func TestRequestTimeout(t *testing.T) {
	g := New[bool]("approval", &recordingSender{}, zerolog.Nop(), WithTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := g.Request(context.Background(), Request{Key: "p1", RunID: "run_1"})
	assert.True(t, errors.Is(err, domain.ErrTimedOut))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, g.Len())
}

func TestRequestValidation(t *testing.T) {
	g := New[bool]("approval", &recordingSender{}, zerolog.Nop())
	_, err := g.Request(context.Background(), Request{RunID: "run_1"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestMessageBuildFailureReleasesKey(t *testing.T) {
	g := New[bool]("approval", &recordingSender{}, zerolog.Nop())
	boom := errors.New("boom")
	_, err := g.Request(context.Background(), Request{Key: "p1", RunID: "run_1", Message: func() (domain.Message, error) {
		return domain.Message{}, boom
	}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, g.Len())
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	g := New[string]("clarification", &recordingSender{}, zerolog.Nop())
	const n = 16

	results := make([]<-chan outcome[string], n)
	for i := 0; i < n; i++ {
		results[i] = requestAsync(g, context.Background(), Request{
			Key:   fmt.Sprintf("r%d", i),
			RunID: fmt.Sprintf("run_%d", i),
		})
	}
	for i := 0; i < n; i++ {
		waitPending(t, g, fmt.Sprintf("r%d", i))
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, g.Resolve(fmt.Sprintf("r%d", i), fmt.Sprintf("answer %d", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		out := <-results[i]
		require.NoError(t, out.err)
		assert.Equal(t, fmt.Sprintf("answer %d", i), out.value)
	}
}

func TestResolvedSetExpiresAndEvicts(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newResolvedSet(time.Minute, 2)
	s.now = func() time.Time { return now }

	s.add("a")
	s.add("b")
	assert.True(t, s.contains("a"))

	s.add("c")
	assert.False(t, s.contains("a"), "oldest entry is evicted at capacity")
	assert.True(t, s.contains("b"))
	assert.True(t, s.contains("c"))

	now = now.Add(2 * time.Minute)
	assert.False(t, s.contains("b"))
	assert.False(t, s.contains("c"))
	assert.Equal(t, 0, s.order.Len())
}

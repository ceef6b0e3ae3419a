package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgate/internal/queue"
)

type memStore struct {
	mu       sync.Mutex
	statuses map[int64]string
	details  map[int64]string
}

func newMemStore(ids ...int64) *memStore {
	s := &memStore{statuses: map[int64]string{}, details: map[int64]string{}}
	for _, id := range ids {
		s.statuses[id] = "UNCHECKED"
	}
	return s
}

func (s *memStore) SetCompliance(_ context.Context, id int64, status, detail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[id] != "UNCHECKED" {
		return false, nil
	}
	s.statuses[id] = status
	s.details[id] = detail
	return true, nil
}

func (s *memStore) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func classifier(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/api/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientCheck(t *testing.T) {
	c := classifier(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/compliance/check" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["content"] != "hello" {
			t.Errorf("unexpected body %v err=%v", body, err)
		}
		_, _ = w.Write([]byte(`{"result":"fail","risk_level":"HIGH","risk_categories":["spam"],"confidence_score":0.93}`))
	})

	v, err := c.Check(context.Background(), "hello")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Result != ResultFail || v.RiskLevel != "HIGH" || v.ConfidenceScore == nil || *v.ConfidenceScore != 0.93 {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if len(v.Raw) == 0 {
		t.Fatalf("raw body should be kept")
	}
}

func TestClientCheckUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"json":   func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`not json`)) },
		"result": func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"result":"MAYBE"}`)) },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := classifier(t, h).Check(context.Background(), "x")
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestHookStoresVerdictOnce(t *testing.T) {
	store := newMemStore(1)
	c := classifier(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"PASS"}`))
	})
	h := NewHook(HookConfig{Checker: c, Store: store, Logger: zerolog.Nop()})

	if err := h.Evaluate(context.Background(), 1, "ok"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if store.status(1) != ResultPass {
		t.Fatalf("expected PASS, got %s", store.status(1))
	}

	store.mu.Lock()
	store.details[1] = "first"
	store.mu.Unlock()
	if err := h.Evaluate(context.Background(), 1, "ok"); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if store.details[1] != "first" {
		t.Fatalf("a second verdict must not overwrite the first")
	}
}

func TestHookLeavesUncheckedOnFailure(t *testing.T) {
	store := newMemStore(1)
	c := classifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := NewHook(HookConfig{Checker: c, Store: store, Logger: zerolog.Nop()})

	if err := h.Evaluate(context.Background(), 1, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if store.status(1) != "UNCHECKED" {
		t.Fatalf("expected UNCHECKED, got %s", store.status(1))
	}
}

type blockingEvaluator struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []int64
}

func (b *blockingEvaluator) Evaluate(ctx context.Context, id int64, _ string) error {
	<-b.release
	b.mu.Lock()
	b.seen = append(b.seen, id)
	b.mu.Unlock()
	if id == 99 {
		panic("boom")
	}
	return nil
}

func TestGoDispatcherDoesNotBlockAndDrains(t *testing.T) {
	ev := &blockingEvaluator{release: make(chan struct{})}
	d := NewGoDispatcher(GoDispatcherConfig{Hook: ev, MaxInFlight: 2, Timeout: time.Second, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, 1, "a")
	d.Dispatch(ctx, 99, "b")
	d.Dispatch(ctx, 3, "c") // over the in-flight bound, dropped
	cancel()

	close(ev.release)
	closeCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := d.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.seen) != 2 {
		t.Fatalf("expected two evaluations to run, got %v", ev.seen)
	}

	d.Dispatch(context.Background(), 4, "d")
	if len(ev.seen) != 2 {
		t.Fatalf("closed dispatcher must not start work")
	}
}

func TestStreamDispatcherEnqueues(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := queue.NewStreamQueue(rdb, "compliance", "workers", "c1", 10*time.Millisecond)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	d := NewStreamDispatcher(StreamDispatcherConfig{Queue: q, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, 5, "text")
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	msgs, err := q.Read(context.Background(), 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.MessageID != 5 || msgs[0].Job.Content != "text" {
		t.Fatalf("unexpected stream contents %+v", msgs)
	}
}

func TestStreamDispatcherDoesNotWaitForRedis(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	// accept connections and never answer
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), ReadTimeout: 100 * time.Millisecond, WriteTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	q := queue.NewStreamQueue(rdb, "compliance", "workers", "c1", 10*time.Millisecond)
	d := NewStreamDispatcher(StreamDispatcherConfig{Queue: q, Timeout: 300 * time.Millisecond, Logger: zerolog.Nop()})

	start := time.Now()
	d.Dispatch(context.Background(), 9, "slow")
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("dispatch blocked for %s", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	// closed dispatchers drop new work without blocking
	d.Dispatch(context.Background(), 10, "late")
}

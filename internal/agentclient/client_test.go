package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient_StartConflictMapsToSentinel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "state_conflict"})
	}))

	err := c.Start(context.Background(), "run-1", []domain.Runner{domain.RunnerCurl})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("err=%v, want ErrStateConflict", err)
	}
}

func TestClient_StopMismatchMapsToSentinel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run_id_mismatch"})
	}))

	if err := c.Stop(context.Background(), "run-1"); !errors.Is(err, ErrRunMismatch) {
		t.Fatalf("err=%v, want ErrRunMismatch", err)
	}
}

func TestClient_StartSendsRunnersPayload(t *testing.T) {
	var got startRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Start(context.Background(), "run-1", []domain.Runner{domain.RunnerCurl, domain.RunnerChrome}); err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run-1" || len(got.Runners) != 2 {
		t.Fatalf("payload=%+v", got)
	}
}

func TestClient_StatusDecodesSnapshot(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"run_id": "run-1", "phase": "uploading"})
	}))

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.RunID != "run-1" || st.Phase != domain.SessionUploading {
		t.Fatalf("status=%+v", st)
	}
}

func TestClient_WaitReachableRetriesUntilHealthy(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	cfg := retry.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 5}
	if err := c.WaitReachable(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
}

func TestClient_WaitReachableGivesUp(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	cfg := retry.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 2}
	if err := c.WaitReachable(context.Background(), cfg); err == nil {
		t.Fatal("want error after exhausting tries")
	}
}

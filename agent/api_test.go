package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/tapline-labs/tapline/internal/capture"
	"github.com/tapline-labs/tapline/internal/domain"
)

type nopProc struct{}

func (nopProc) Stop(time.Duration) error { return nil }

type nopRunner struct{}

func (nopRunner) Start(ctx context.Context, leg capture.Leg, iface, outFile string) (capture.Process, error) {
	if err := os.WriteFile(outFile, []byte("pcap"), 0o644); err != nil {
		return nil, err
	}
	return nopProc{}, nil
}

type nopStore struct{}

func (nopStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return nil
}

func (nopStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://grants.example/" + key, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, body []byte) error { return nil }

func newTestAPI(t *testing.T) (*agentAPI, *capture.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := capture.NewManager(logger, capture.Config{
		PcapDir:      t.TempDir(),
		DrainTimeout: 50 * time.Millisecond,
	}, nopRunner{}, nopStore{}, nopNotifier{})
	if err != nil {
		t.Fatal(err)
	}
	return newAgentAPI(logger, manager), manager
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestAPI_StartThenConflict(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.register(mux)

	w := doJSON(t, mux, http.MethodPost, "/start", map[string]any{"run_id": "r1", "runners": []string{"curl"}})
	if w.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%s", w.Code, w.Body)
	}

	w = doJSON(t, mux, http.MethodPost, "/start", map[string]any{"run_id": "r2", "runners": []string{"curl"}})
	if w.Code != http.StatusConflict {
		t.Fatalf("second start status=%d, want 409", w.Code)
	}

	// The rejected start must not change the reported run id.
	w = doJSON(t, mux, http.MethodGet, "/status", nil)
	var st capture.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.RunID != "r1" || st.Phase != domain.SessionCapturing {
		t.Fatalf("status=%+v", st)
	}
}

func TestAPI_StopMismatchIs404(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.register(mux)

	doJSON(t, mux, http.MethodPost, "/start", map[string]any{"run_id": "r1"})
	w := doJSON(t, mux, http.MethodPost, "/stop", map[string]any{"run_id": "other"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("stop status=%d, want 404", w.Code)
	}
}

func TestAPI_StopDrivesPipelineToDone(t *testing.T) {
	api, manager := newTestAPI(t)
	mux := http.NewServeMux()
	api.register(mux)

	doJSON(t, mux, http.MethodPost, "/start", map[string]any{"run_id": "r1", "runners": []string{"chrome"}})
	w := doJSON(t, mux, http.MethodPost, "/stop", map[string]any{"run_id": "r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("stop status=%d body=%s", w.Code, w.Body)
	}

	select {
	case <-manager.PipelineDone():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	w = doJSON(t, mux, http.MethodGet, "/status", nil)
	var st capture.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Phase != domain.SessionDone {
		t.Fatalf("phase=%s error=%q", st.Phase, st.Error)
	}
	if len(st.Artifacts) != 2 {
		t.Fatalf("artifacts=%d, want 2", len(st.Artifacts))
	}
}

func TestAPI_BadRequests(t *testing.T) {
	api, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.register(mux)

	w := doJSON(t, mux, http.MethodPost, "/start", map[string]any{"runners": []string{"curl"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing run_id status=%d", w.Code)
	}
	w = doJSON(t, mux, http.MethodPost, "/start", map[string]any{"run_id": "r", "runners": []string{"firefox"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad runner status=%d", w.Code)
	}
}

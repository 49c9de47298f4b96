package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tapline-labs/tapline/internal/domain"
)

func TestNotify_SignsAndDelivers(t *testing.T) {
	manifest := Manifest{
		RunID:     "run-1",
		Timestamp: time.Unix(1760000000, 0).UTC(),
		Artifacts: []domain.Artifact{
			{Runner: domain.RunnerCurl, Family: domain.FamilyIPv4, ObjectKey: "run-1/x.pcap.gz", SizeBytes: 42},
		},
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	var gotBody []byte
	var gotTS, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-Tapline-Ts")
		gotSig = r.Header.Get("X-Tapline-Sig")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "shh", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Notify(context.Background(), body); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if string(gotBody) != string(body) {
		t.Fatalf("body mismatch: %s", gotBody)
	}
	if err := Verify("shh", gotTS, http.MethodPost, gotBody, gotSig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify("wrong", gotTS, http.MethodPost, gotBody, gotSig); err == nil {
		t.Fatal("verify accepted wrong secret")
	}
}

func TestNotify_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Notify(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("expected error for 502")
	}
}

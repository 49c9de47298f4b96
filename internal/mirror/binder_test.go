package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

type fakeTap struct {
	bound     map[string]bool
	bindErr   error
	unbindErr error
	unbinds   []string
}

func (f *fakeTap) Bind(ctx context.Context, nic, dest string) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	if f.bound == nil {
		f.bound = map[string]bool{}
	}
	if f.bound[nic] {
		return ErrAlreadyBound
	}
	f.bound[nic] = true
	return nil
}

func (f *fakeTap) Unbind(ctx context.Context, nic, dest string) error {
	f.unbinds = append(f.unbinds, nic)
	if f.unbindErr != nil {
		return f.unbindErr
	}
	if !f.bound[nic] {
		return ErrBindingNotFound
	}
	delete(f.bound, nic)
	return nil
}

func newTestBinder(t *testing.T, tap *fakeTap) *Binder {
	t.Helper()
	b, err := NewBinder(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		tap,
		"dest-1",
		retry.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 3},
	)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBinder_AttachIsIdempotent(t *testing.T) {
	tap := &fakeTap{}
	b := newTestBinder(t, tap)

	first, err := b.Attach(context.Background(), "nic-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Attach(context.Background(), "nic-a")
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if first.DestinationID != "dest-1" || second.NetworkIdentity != "nic-a" {
		t.Fatalf("bindings %+v / %+v", first, second)
	}
}

func TestBinder_AttachSurfacesBindError(t *testing.T) {
	tap := &fakeTap{bindErr: errors.New("api down")}
	b := newTestBinder(t, tap)
	if _, err := b.Attach(context.Background(), "nic-a"); err == nil {
		t.Fatal("want bind error")
	}
}

func TestBinder_DetachAllSuppressesNotFound(t *testing.T) {
	tap := &fakeTap{}
	b := newTestBinder(t, tap)
	if _, err := b.Attach(context.Background(), "nic-a"); err != nil {
		t.Fatal(err)
	}

	bindings := []domain.MirrorBinding{
		{NetworkIdentity: "nic-a", DestinationID: "dest-1"},
		{NetworkIdentity: "nic-gone", DestinationID: "dest-1"},
	}
	if err := b.DetachAll(context.Background(), bindings); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if len(tap.unbinds) != 2 {
		t.Fatalf("unbind calls=%d, want 2", len(tap.unbinds))
	}
}

func TestBinder_DetachAllAttemptsEveryEntry(t *testing.T) {
	tap := &fakeTap{unbindErr: errors.New("api down")}
	b := newTestBinder(t, tap)

	bindings := []domain.MirrorBinding{
		{NetworkIdentity: "nic-a", DestinationID: "dest-1"},
		{NetworkIdentity: "nic-b", DestinationID: "dest-1"},
	}
	if err := b.DetachAll(context.Background(), bindings); err == nil {
		t.Fatal("want aggregated error")
	}
	if len(tap.unbinds) != 2 {
		t.Fatalf("unbind calls=%d, want 2 despite failures", len(tap.unbinds))
	}
}

func TestBinder_DiscoverWaitsForIdentity(t *testing.T) {
	b := newTestBinder(t, &fakeTap{})

	calls := 0
	id, err := b.DiscoverNetworkIdentity(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", nil
		}
		return "nic-late", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "nic-late" || calls != 3 {
		t.Fatalf("id=%q calls=%d", id, calls)
	}
}

func TestBinder_DiscoverTimesOut(t *testing.T) {
	b := newTestBinder(t, &fakeTap{})

	_, err := b.DiscoverNetworkIdentity(context.Background(), func(ctx context.Context) (string, error) {
		return "", nil
	})
	if !errors.Is(err, ErrBindTimeout) {
		t.Fatalf("err=%v, want ErrBindTimeout", err)
	}
}

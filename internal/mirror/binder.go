// Package mirror manages traffic-mirror bindings between workload NICs and
// the static mirror destination on the capture host.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

var (
	// ErrBindTimeout is returned when a workload's network identity never
	// appeared within the discovery bound.
	ErrBindTimeout = errors.New("network identity discovery timed out")

	// ErrAlreadyBound is returned by TapAPI drivers when the NIC is already
	// mirrored to the destination. Attach treats it as success.
	ErrAlreadyBound = errors.New("mirror binding already exists")

	// ErrBindingNotFound is returned by TapAPI drivers when the binding does
	// not exist. DetachAll treats it as success.
	ErrBindingNotFound = errors.New("mirror binding not found")

	errIdentityPending = errors.New("network identity not yet assigned")
)

// TapAPI is the mirror-service control surface.
type TapAPI interface {
	Bind(ctx context.Context, networkIdentity, destinationID string) error
	Unbind(ctx context.Context, networkIdentity, destinationID string) error
}

type Binder struct {
	logger        *slog.Logger
	api           TapAPI
	destinationID string
	discover      retry.Config
	now           func() time.Time
}

func NewBinder(logger *slog.Logger, api TapAPI, destinationID string, discover retry.Config) (*Binder, error) {
	if api == nil {
		return nil, errors.New("tap api is required")
	}
	if strings.TrimSpace(destinationID) == "" {
		return nil, errors.New("mirror destination id is required")
	}
	return &Binder{
		logger:        logger,
		api:           api,
		destinationID: destinationID,
		discover:      discover,
		now:           time.Now,
	}, nil
}

// DiscoverNetworkIdentity polls lookup until it yields a non-empty identity.
// Transient lookup errors are retried; exhausting the bound surfaces
// ErrBindTimeout so the caller can degrade instead of failing the run.
func (b *Binder) DiscoverNetworkIdentity(ctx context.Context, lookup func(ctx context.Context) (string, error)) (string, error) {
	id, err := retry.Do(ctx, b.discover, func(ctx context.Context) (string, error) {
		id, err := lookup(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(id) == "" {
			return "", errIdentityPending
		}
		return id, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBindTimeout, err)
	}
	return id, nil
}

// Attach binds the NIC to the mirror destination. Attaching an already-bound
// NIC is success, so a retried run step cannot double-bind.
func (b *Binder) Attach(ctx context.Context, networkIdentity string) (domain.MirrorBinding, error) {
	if strings.TrimSpace(networkIdentity) == "" {
		return domain.MirrorBinding{}, errors.New("network identity is required")
	}

	err := b.api.Bind(ctx, networkIdentity, b.destinationID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyBound):
		b.logger.Info("mirror binding already present", "network_identity", networkIdentity)
	default:
		return domain.MirrorBinding{}, fmt.Errorf("bind %s: %w", networkIdentity, err)
	}

	return domain.MirrorBinding{
		NetworkIdentity: networkIdentity,
		DestinationID:   b.destinationID,
		BoundAt:         b.now().UTC(),
	}, nil
}

// DetachAll unbinds every binding in the set. Missing bindings are success.
// Other failures are logged, aggregated and returned after all entries have
// been attempted.
func (b *Binder) DetachAll(ctx context.Context, bindings []domain.MirrorBinding) error {
	var errs []error
	for _, binding := range bindings {
		err := b.api.Unbind(ctx, binding.NetworkIdentity, binding.DestinationID)
		if err == nil || errors.Is(err, ErrBindingNotFound) {
			continue
		}
		b.logger.Warn("mirror unbind failed", "network_identity", binding.NetworkIdentity, "error", err)
		errs = append(errs, fmt.Errorf("unbind %s: %w", binding.NetworkIdentity, err))
	}
	return errors.Join(errs...)
}

package mirror

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// AzTap drives the mirror service through the az CLI. The destination is a
// pre-provisioned mirror target; only per-NIC filters are created and
// removed per run.
type AzTap struct {
	azBin string
}

func NewAzTap(azBin string) (*AzTap, error) {
	azBin = strings.TrimSpace(azBin)
	if azBin == "" {
		azBin = "az"
	}
	if _, err := exec.LookPath(azBin); err != nil {
		return nil, fmt.Errorf("az binary not found: %w", err)
	}
	return &AzTap{azBin: azBin}, nil
}

func (t *AzTap) Bind(ctx context.Context, networkIdentity, destinationID string) error {
	cmd := exec.CommandContext(ctx, t.azBin,
		"network-watcher", "tap", "create",
		"--source-nic", networkIdentity,
		"--destination", destinationID,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(strings.ToLower(text), "already exists") {
			return fmt.Errorf("%w: %s", ErrAlreadyBound, networkIdentity)
		}
		return fmt.Errorf("az tap create failed: %w: %s", err, text)
	}
	return nil
}

func (t *AzTap) Unbind(ctx context.Context, networkIdentity, destinationID string) error {
	cmd := exec.CommandContext(ctx, t.azBin,
		"network-watcher", "tap", "delete",
		"--source-nic", networkIdentity,
		"--destination", destinationID,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		lower := strings.ToLower(text)
		if strings.Contains(lower, "not found") || strings.Contains(lower, "notfound") {
			return fmt.Errorf("%w: %s", ErrBindingNotFound, networkIdentity)
		}
		return fmt.Errorf("az tap delete failed: %w: %s", err, text)
	}
	return nil
}

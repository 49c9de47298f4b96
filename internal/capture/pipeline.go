package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tapline-labs/tapline/internal/artifacts"
	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/notify"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

// runPipeline drives one session from Draining to a terminal phase. It runs
// on its own goroutine; the Stop HTTP response has already returned.
func (m *Manager) runPipeline(s *session, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PipelineTimeout)
	defer cancel()

	drainErrs := make(map[string]error, len(s.legs))
	for _, al := range s.legs {
		if err := al.proc.Stop(m.cfg.DrainTimeout); err != nil {
			// The leg may still have a usable (if truncated) pcap; record
			// the drain problem on its artifact instead of failing the run.
			drainErrs[al.leg.key()] = err
			m.logger.Warn("capture leg drain failed", "run_id", s.runID, "leg", al.leg.key(), "error", err)
		}
	}

	m.transition(s, domain.SessionUploading)

	ts := m.now().UTC()
	results := make([]domain.Artifact, 0, len(s.legs))
	for _, al := range s.legs {
		art := m.processLeg(ctx, s.runID, ts, al)
		if art.Error == "" {
			if derr, ok := drainErrs[al.leg.key()]; ok {
				art.Error = fmt.Sprintf("drain: %v", derr)
			}
		}
		results = append(results, art)
	}

	m.mu.Lock()
	s.artifacts = results
	m.mu.Unlock()

	m.transition(s, domain.SessionNotifying)

	manifest := notify.Manifest{
		RunID:     s.runID,
		Timestamp: m.now().UTC(),
		Artifacts: results,
		Note:      fmt.Sprintf("access grants expire after %s, fetch promptly", m.cfg.GrantTTL),
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		m.fail(s, "notify", fmt.Errorf("encode manifest: %w", err))
		return
	}
	if err := m.notifier.Notify(ctx, body); err != nil {
		m.fail(s, "notify", err)
		return
	}

	m.transition(s, domain.SessionDone)
	m.logger.Info("capture session done", "run_id", s.runID, "artifacts", len(results))
}

// processLeg compresses, uploads and grants one leg's capture. Failures are
// isolated: they mark this artifact and never abort the other legs.
func (m *Manager) processLeg(ctx context.Context, runID string, ts time.Time, al activeLeg) domain.Artifact {
	art := domain.Artifact{
		Runner:    al.leg.Runner,
		Family:    al.leg.Family,
		ObjectKey: artifacts.ObjectKey(runID, ts, al.leg.Runner, al.leg.Family, "pcap.gz"),
	}

	gzPath, size, err := compressPcap(al.path)
	if err != nil {
		art.Error = fmt.Sprintf("compress: %v", err)
		return art
	}
	art.SizeBytes = size

	_, err = retry.Do(ctx, m.cfg.UploadRetry, func(ctx context.Context) (struct{}, error) {
		f, err := os.Open(gzPath)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		defer f.Close()
		return struct{}{}, m.store.Put(ctx, art.ObjectKey, f, size, "application/gzip")
	})
	if err != nil {
		art.Error = fmt.Sprintf("upload: %v", err)
		return art
	}
	_ = os.Remove(gzPath)

	url, err := m.store.PresignGet(ctx, art.ObjectKey, m.cfg.GrantTTL)
	if err != nil {
		art.Error = fmt.Sprintf("grant: %v", err)
		return art
	}
	art.AccessURL = url
	art.Expiry = m.now().UTC().Add(m.cfg.GrantTTL)
	return art
}

// compressPcap gzips the raw capture next to it and removes the original.
// Returns the gzip path and its size.
func compressPcap(pcapPath string) (string, int64, error) {
	in, err := os.Open(pcapPath)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	gzPath := pcapPath + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", 0, err
	}

	gw, err := gzip.NewWriterLevel(out, 6)
	if err != nil {
		_ = out.Close()
		return "", 0, err
	}
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		return "", 0, err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		return "", 0, err
	}

	info, err := os.Stat(gzPath)
	if err != nil {
		return "", 0, err
	}
	_ = os.Remove(pcapPath)
	return gzPath, info.Size(), nil
}

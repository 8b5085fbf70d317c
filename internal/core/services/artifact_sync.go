package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

// ReplaceGuard runs the swap of a local artifact and everything that must
// become visible together with it inside one critical section.
type ReplaceGuard interface {
	Replace(commit func() error) error
}

// ArtifactSyncer keeps local copies of the tracked artifacts in line with
// the remote store.
type ArtifactSyncer struct {
	remote    output.RemoteObjectStore
	cache     *RemoteMetadataCache
	fs        afero.Fs
	artifacts []domain.ArtifactDescriptor
	guard     ReplaceGuard
	ttl       time.Duration
	now       func() time.Time

	syncs    singleflight.Group
	listings singleflight.Group
}

type SyncerOption func(*ArtifactSyncer)

// WithMetadataTTL overrides DefaultMetadataTTL.
func WithMetadataTTL(ttl time.Duration) SyncerOption {
	return func(s *ArtifactSyncer) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func WithSyncClock(now func() time.Time) SyncerOption {
	return func(s *ArtifactSyncer) { s.now = now }
}

// WithReplaceGuard makes every file swap go through guard.
func WithReplaceGuard(guard ReplaceGuard) SyncerOption {
	return func(s *ArtifactSyncer) { s.guard = guard }
}

func NewArtifactSyncer(
	remote output.RemoteObjectStore,
	cache *RemoteMetadataCache,
	fsys afero.Fs,
	artifacts []domain.ArtifactDescriptor,
	opts ...SyncerOption,
) *ArtifactSyncer {
	s := &ArtifactSyncer{
		remote:    remote,
		cache:     cache,
		fs:        fsys,
		artifacts: artifacts,
		ttl:       DefaultMetadataTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Artifacts returns the tracked descriptors in sync order.
func (s *ArtifactSyncer) Artifacts() []domain.ArtifactDescriptor {
	out := make([]domain.ArtifactDescriptor, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// SyncAll brings every tracked artifact up to date, one at a time.
func (s *ArtifactSyncer) SyncAll(ctx context.Context) []domain.SyncReport {
	reports := make([]domain.SyncReport, 0, len(s.artifacts))
	for _, d := range s.artifacts {
		reports = append(reports, domain.SyncReport{Artifact: d, Outcome: s.EnsureFresh(ctx, d)})
	}
	return reports
}

// EnsureFresh downloads d when the local copy is absent or strictly older
// than the remote object. Concurrent calls for the same artifact share one
// run, which is not cancelled when one of its callers goes away.
func (s *ArtifactSyncer) EnsureFresh(ctx context.Context, d domain.ArtifactDescriptor) domain.SyncOutcome {
	runCtx := context.WithoutCancel(ctx)
	ch := s.syncs.DoChan(d.Key, func() (interface{}, error) {
		return s.ensureFresh(runCtx, d), nil
	})

	var outcome domain.SyncOutcome
	select {
	case res := <-ch:
		outcome = res.Val.(domain.SyncOutcome)
	case <-ctx.Done():
		outcome = domain.Failed(fmt.Errorf("sync %s: %w", d.Key, ctx.Err()))
	}

	entry := log.WithFields(log.Fields{
		"artifact": d.Key,
		"outcome":  outcome.Status,
	})
	switch outcome.Status {
	case domain.SyncFailed:
		entry.WithField("reason", outcome.Reason).Warn("artifact sync failed, serving local copy")
	case domain.SyncDownloaded:
		entry.WithField("local_path", d.LocalPath).Info("artifact synced")
	default:
		entry.Debug("artifact up to date")
	}
	return outcome
}

func (s *ArtifactSyncer) ensureFresh(ctx context.Context, d domain.ArtifactDescriptor) domain.SyncOutcome {
	remoteModified, err := s.remoteModifiedAt(ctx, d)
	if err != nil {
		return domain.Failed(err)
	}

	localModified, exists := s.localModifiedAt(d.LocalPath)
	if exists && !localModified.Before(remoteModified) {
		return domain.Unchanged()
	}

	if err := s.download(ctx, d, remoteModified); err != nil {
		return domain.Failed(err)
	}
	return domain.Downloaded()
}

func (s *ArtifactSyncer) remoteModifiedAt(ctx context.Context, d domain.ArtifactDescriptor) (time.Time, error) {
	if entry, ok := s.cache.Get(d.Key); ok && IsFresh(entry, s.now(), s.ttl) {
		return entry.RemoteModifiedAt, nil
	}

	folder := d.RemoteFolder()
	v, err, _ := s.listings.Do(folder, func() (interface{}, error) {
		return s.remote.ListMetadata(ctx, folder)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: list %q: %v", domain.ErrRemoteMetadata, folder, err)
	}
	objects := v.([]domain.ObjectInfo)

	// One listing answers for every tracked artifact in the folder.
	now := s.now()
	var (
		found    bool
		modified time.Time
	)
	for _, obj := range objects {
		for _, tracked := range s.artifacts {
			if tracked.RemoteFolder() != folder || tracked.RemoteName() != obj.Name {
				continue
			}
			s.cache.Put(ctx, tracked.Key, obj.UpdatedAt, now)
			if tracked.Key == d.Key {
				found, modified = true, obj.UpdatedAt
			}
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("%s: %w", d.RemotePath, domain.ErrMissingInStore)
	}
	return modified, nil
}

func (s *ArtifactSyncer) localModifiedAt(path string) (time.Time, bool) {
	fi, err := s.fs.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).WithField("path", path).Warn("stat local artifact failed, treating as absent")
		}
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

func (s *ArtifactSyncer) download(ctx context.Context, d domain.ArtifactDescriptor, remoteModified time.Time) error {
	data, err := s.remote.Fetch(ctx, d.RemotePath)
	if err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return fmt.Errorf("%s: %w", d.RemotePath, domain.ErrMissingInStore)
		}
		return fmt.Errorf("fetch %s: %w", d.RemotePath, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s: %w: %w", d.RemotePath, domain.ErrMissingInStore, domain.ErrEmptyObject)
	}

	tmp, err := s.writeTemp(d.LocalPath, data)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLocalArtifact, err)
	}

	// The local mtime mirrors the remote one so the next check is stable
	// regardless of clock skew between the store and this host.
	if !remoteModified.IsZero() {
		if err := s.fs.Chtimes(tmp, remoteModified, remoteModified); err != nil {
			log.WithError(err).WithField("path", tmp).Warn("set artifact mtime failed")
		}
	}

	commit := func() error { return s.fs.Rename(tmp, d.LocalPath) }
	if s.guard != nil {
		err = s.guard.Replace(commit)
	} else {
		err = commit()
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("%w: replace %s: %v", domain.ErrLocalArtifact, d.LocalPath, err)
	}
	return nil
}

func (s *ArtifactSyncer) writeTemp(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dir %s: %w", dir, err)
	}

	f, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

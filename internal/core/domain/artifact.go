package domain

import (
	"path"
	"time"
)

// ArtifactDescriptor names one mirrored file. Defined once at startup.
type ArtifactDescriptor struct {
	Key        string `json:"key"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// RemoteFolder is the listing folder that contains the remote object.
func (d ArtifactDescriptor) RemoteFolder() string {
	dir := path.Dir(d.RemotePath)
	if dir == "." {
		return ""
	}
	return dir
}

// RemoteName is the object name as it appears in its folder listing.
func (d ArtifactDescriptor) RemoteName() string {
	return path.Base(d.RemotePath)
}

// MetadataCacheEntry is the last known remote modification time of an
// artifact and the moment it was fetched.
type MetadataCacheEntry struct {
	ArtifactKey      string    `json:"artifact_key"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	CachedAt         time.Time `json:"cached_at"`
}

// IsFresh reports whether the entry may be trusted without asking the store again.
func (e MetadataCacheEntry) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) <= ttl
}

// ObjectInfo is one entry of a remote folder listing.
type ObjectInfo struct {
	Name      string
	UpdatedAt time.Time
}

type SyncStatus string

const (
	SyncUnchanged  SyncStatus = "unchanged"
	SyncDownloaded SyncStatus = "downloaded"
	SyncFailed     SyncStatus = "failed"
)

// SyncOutcome is the result of bringing one artifact up to date.
type SyncOutcome struct {
	Status SyncStatus
	Reason string
	Err    error
}

func Unchanged() SyncOutcome  { return SyncOutcome{Status: SyncUnchanged} }
func Downloaded() SyncOutcome { return SyncOutcome{Status: SyncDownloaded} }

func Failed(err error) SyncOutcome {
	return SyncOutcome{Status: SyncFailed, Reason: err.Error(), Err: err}
}

// SyncReport pairs an outcome with the artifact it belongs to.
type SyncReport struct {
	Artifact ArtifactDescriptor
	Outcome  SyncOutcome
}

package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"filevora/models"
	"filevora/sniff"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

// ObjectStore is a remote backend able to hold published artifacts.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	PresignGet(key string, expiry time.Duration) (string, error)
}

// Reference tells the client where to fetch an artifact.
type Reference struct {
	URL    string `json:"download_url"`
	Key    string `json:"key"`
	Remote bool   `json:"remote"`
}

type Router struct {
	fs     afero.Fs
	remote ObjectStore
	expiry time.Duration
	logger *log.Logger
}

// NewRouter returns a router that publishes to remote when it is non-nil and
// otherwise hands out local download paths. Presigned links live for expiry.
func NewRouter(fs afero.Fs, remote ObjectStore, expiry time.Duration, logger *log.Logger) *Router {
	return &Router{fs: fs, remote: remote, expiry: expiry, logger: logger}
}

// Publish makes the artifact at localPath retrievable. A remote failure is
// logged and degrades to the local reference; the local copy is never removed.
func (r *Router) Publish(ctx context.Context, job *models.Job, localPath string) (Reference, error) {
	info, err := r.fs.Stat(localPath)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = fmt.Errorf("%s is not a regular file", localPath)
		}
		return Reference{}, models.WrapError(models.KindStorageUnavailable, "output artifact is missing", err).WithJob(job.ID)
	}

	filename := filepath.Base(localPath)
	key := LogicalKey(job.ID, filename)
	local := Reference{URL: LocalURL(job.ID, filename), Key: key}

	if r.remote == nil {
		return local, nil
	}

	signed, err := r.publishRemote(ctx, key, localPath)
	if err != nil {
		r.logger.Warn("Remote publish failed, serving locally", "job_id", job.ID, "key", key, "error", err)
		return local, nil
	}
	return Reference{URL: signed, Key: key, Remote: true}, nil
}

func (r *Router) publishRemote(ctx context.Context, key, localPath string) (string, error) {
	contentType, err := sniff.Classify(sniff.FromPath{Fs: r.fs, Path: localPath})
	if err != nil {
		contentType = "application/octet-stream"
	}

	file, err := r.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	if err := r.remote.Upload(ctx, key, file, contentType); err != nil {
		return "", err
	}
	signed, err := r.remote.PresignGet(key, r.expiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return signed, nil
}

// LogicalKey is the backend-independent name of an artifact.
func LogicalKey(jobID, filename string) string {
	return jobID + "/" + filename
}

// LocalURL is the path served by the download endpoint for an artifact.
func LocalURL(jobID, filename string) string {
	return "/download/" + url.PathEscape(jobID) + "/" + url.PathEscape(filename)
}

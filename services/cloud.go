package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"filevora/files"
	"filevora/models"
	"filevora/sniff"
	"filevora/storage"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

const googleDriveDownloadURL = "https://www.googleapis.com/drive/v3/files/%s?alt=media"

var cloudProviders = map[string]struct{}{
	"google":   {},
	"dropbox":  {},
	"onedrive": {},
}

// URLValidator approves a client-supplied URL for fetching.
type URLValidator interface {
	Validate(ctx context.Context, raw string) (*url.URL, error)
}

type ImportRequest struct {
	Provider    string `json:"provider" binding:"required"`
	FileURL     string `json:"file_url"`
	FileID      string `json:"file_id"`
	Filename    string `json:"filename" binding:"required"`
	AccessToken string `json:"access_token"`
}

type ImportResult struct {
	Job      *models.Job
	Artifact *models.UploadArtifact
}

// CloudImporter pulls a file from a cloud drive into a fresh job.
type CloudImporter struct {
	store   *storage.Store
	guard   URLValidator
	client  *http.Client
	maxSize int64
	logger  *log.Logger
}

func NewCloudImporter(store *storage.Store, guard URLValidator, client *http.Client, maxSize int64, logger *log.Logger) *CloudImporter {
	return &CloudImporter{
		store:   store,
		guard:   guard,
		client:  client,
		maxSize: maxSize,
		logger:  logger,
	}
}

// Import validates the request and its URL before allocating anything, then
// streams the file into the job's outputs/ directory. On failure the job is
// discarded.
func (c *CloudImporter) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if _, ok := cloudProviders[provider]; !ok {
		return nil, models.NewError(models.KindValidation, fmt.Sprintf("unsupported provider %q", req.Provider))
	}

	rawURL := strings.TrimSpace(req.FileURL)
	if provider == "google" && req.FileID != "" {
		rawURL = fmt.Sprintf(googleDriveDownloadURL, url.PathEscape(req.FileID))
	}
	if rawURL == "" {
		return nil, models.NewError(models.KindValidation, "file_url or file_id is required")
	}

	name, err := files.Sanitize(req.Filename)
	if err != nil {
		return nil, err
	}

	target, err := c.guard.Validate(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	job, err := c.store.Allocate()
	if err != nil {
		return nil, err
	}

	artifact, err := c.fetch(ctx, job, target, name, req)
	if err != nil {
		c.store.Discard(job)
		var appErr *models.Error
		if errors.As(err, &appErr) {
			return nil, appErr.WithJob(job.ID)
		}
		return nil, err
	}

	c.logger.Info("Imported file from cloud provider",
		"job_id", job.ID,
		"provider", provider,
		"filename", artifact.SanitizedName,
		"size", humanize.Bytes(uint64(artifact.Size)),
	)
	return &ImportResult{Job: job, Artifact: artifact}, nil
}

func (c *CloudImporter) fetch(ctx context.Context, job *models.Job, target *url.URL, name string, req ImportRequest) (*models.UploadArtifact, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, models.WrapError(models.KindUnsafeURL, "URL is malformed", err)
	}
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if models.KindOf(err) == models.KindUnsafeURL {
			return nil, err
		}
		return nil, models.WrapError(models.KindUpstream, "failed to download file from provider", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.KindUpstream, fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}
	if resp.ContentLength > c.maxSize {
		return nil, c.tooLarge()
	}

	path := filepath.Join(job.OutputsDir(), name)
	fs := c.store.Fs()
	file, err := fs.Create(path)
	if err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to create import file", err)
	}
	size, copyErr := io.Copy(file, io.LimitReader(resp.Body, c.maxSize+1))
	closeErr := file.Close()
	if copyErr != nil {
		return nil, models.WrapError(models.KindUpstream, "failed to download file from provider", copyErr)
	}
	if closeErr != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to save import file", closeErr)
	}
	if size > c.maxSize {
		return nil, c.tooLarge()
	}

	detected, err := sniff.Classify(sniff.FromPath{Fs: fs, Path: path})
	if err != nil {
		return nil, models.WrapError(models.KindValidation, "imported file is empty or unreadable", err)
	}

	return &models.UploadArtifact{
		DeclaredName:  req.Filename,
		SanitizedName: name,
		DetectedType:  detected,
		Path:          path,
		Size:          size,
	}, nil
}

func (c *CloudImporter) tooLarge() error {
	return models.NewError(models.KindTooLarge,
		fmt.Sprintf("file exceeds the maximum size of %s", humanize.IBytes(uint64(c.maxSize))))
}

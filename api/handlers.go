package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"filevora/files"
	"filevora/models"
	"filevora/services"
	"filevora/sniff"
	"filevora/tools"
	"filevora/worker"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// multipartOverhead is allowed on top of the file payload for boundaries and
// form fields.
const multipartOverhead = 1 << 20

type processResponse struct {
	JobID       string `json:"job_id"`
	Tool        string `json:"tool"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	Remote      bool   `json:"remote"`
}

type importResponse struct {
	JobID        string `json:"job_id"`
	Filename     string `json:"filename"`
	DetectedType string `json:"detected_type"`
	Size         int64  `json:"size"`
	DownloadURL  string `json:"download_url"`
	Remote       bool   `json:"remote"`
}

const healthPingTimeout = 2 * time.Second

// health stays 200 when the database is down: conversions do not need it.
func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"service": "filevora",
		"tools":   s.tools.Names(),
	}
	if s.database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		if err := s.database.Ping(ctx); err != nil {
			s.logger.Warn("Database ping failed", "error", err)
			body["status"] = "degraded"
			body["database"] = "unavailable"
		} else {
			body["database"] = "ok"
		}
	}
	c.JSON(http.StatusOK, body)
}

type toolParam struct {
	Name    string   `json:"name"`
	Default string   `json:"default"`
	Allowed []string `json:"allowed"`
}

type toolInfo struct {
	Name     string      `json:"name"`
	Kind     sniff.Kind  `json:"kind"`
	MinFiles int         `json:"min_files"`
	MaxFiles int         `json:"max_files"`
	Params   []toolParam `json:"params"`
}

// listTools describes every tool, optionally only those accepting ?kind=.
func (s *Server) listTools(c *gin.Context) {
	var kind sniff.Kind
	if raw := c.Query("kind"); raw != "" {
		parsed, err := sniff.ParseKind(raw)
		if err != nil {
			s.writeError(c, models.WrapError(models.KindValidation, err.Error(), err))
			return
		}
		kind = parsed
	}

	infos := []toolInfo{}
	for _, name := range s.tools.Names() {
		tool, _ := s.tools.Lookup(name)
		if kind != "" && tool.Kind != kind {
			continue
		}
		params := make([]toolParam, 0, len(tool.Params))
		for _, p := range tool.Params {
			params = append(params, toolParam{Name: p.Name, Default: p.Default, Allowed: p.Allowed})
		}
		infos = append(infos, toolInfo{Name: tool.Name, Kind: tool.Kind, MinFiles: tool.MinFiles, MaxFiles: tool.MaxFiles, Params: params})
	}
	c.JSON(http.StatusOK, gin.H{"tools": infos})
}

// process runs one tool over the uploaded files. Everything that can be
// rejected from the request alone is rejected before a job exists.
func (s *Server) process(c *gin.Context) {
	tool, ok := s.tools.Lookup(c.Param("tool"))
	if !ok {
		s.writeError(c, models.NewError(models.KindNotFound, fmt.Sprintf("unknown tool %q", c.Param("tool"))))
		return
	}

	limit := s.cfg.MaxFileSize*int64(s.cfg.MaxFilesPerRequest) + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(c, models.NewError(models.KindTooLarge,
				fmt.Sprintf("request exceeds the maximum size of %s", humanize.IBytes(uint64(limit)))))
			return
		}
		s.writeError(c, models.WrapError(models.KindValidation, "invalid multipart form", err))
		return
	}

	headers := slices.Concat(form.File["files"], form.File["file"])
	if len(headers) > s.cfg.MaxFilesPerRequest {
		s.writeError(c, models.NewError(models.KindValidation,
			fmt.Sprintf("too many files, the limit is %d per request", s.cfg.MaxFilesPerRequest)))
		return
	}
	if err := tool.CheckFileCount(len(headers)); err != nil {
		s.writeError(c, err)
		return
	}

	params, err := tool.Resolve(formParams(form, tool))
	if err != nil {
		s.writeError(c, err)
		return
	}

	detected := make([]string, len(headers))
	for i, header := range headers {
		if detected[i], err = s.inspect(header, tool); err != nil {
			s.writeError(c, err)
			return
		}
	}

	job, err := s.store.Allocate()
	if err != nil {
		s.writeError(c, err)
		return
	}

	uploads := make([]*models.UploadArtifact, 0, len(headers))
	for i, header := range headers {
		artifact, err := s.save(job, header)
		if err != nil {
			s.store.Discard(job)
			s.writeError(c, withJob(err, job.ID))
			return
		}
		artifact.DetectedType = detected[i]
		uploads = append(uploads, artifact)
	}

	outcomes, err := s.pool.Submit(c.Request.Context(), worker.Task{
		Job:    job,
		Tool:   tool,
		Files:  uploads,
		Params: params,
		UserID: s.userID(c),
	})
	if err != nil {
		s.store.Discard(job)
		s.writeError(c, withJob(err, job.ID))
		return
	}

	var outcome worker.Outcome
	select {
	case outcome = <-outcomes:
	case <-c.Request.Context().Done():
		// The conversion keeps running and its output expires with the job.
		s.logger.Info("Client went away before conversion finished", "job_id", job.ID, "request_id", c.GetString(requestIDKey))
		return
	}
	if outcome.Err != nil {
		s.writeError(c, outcome.Err)
		return
	}

	ref, err := s.publisher.Publish(c.Request.Context(), job, outcome.OutputPath)
	if err != nil {
		s.store.Discard(job)
		s.writeError(c, withJob(err, job.ID))
		return
	}

	c.JSON(http.StatusOK, processResponse{
		JobID:       job.ID,
		Tool:        tool.Name,
		Filename:    filepath.Base(outcome.OutputPath),
		DownloadURL: ref.URL,
		Remote:      ref.Remote,
	})
}

// inspect checks one upload's size, name and content before anything is
// written to disk.
func (s *Server) inspect(header *multipart.FileHeader, tool *tools.Tool) (string, error) {
	if header.Size > s.cfg.MaxFileSize {
		return "", models.NewError(models.KindTooLarge,
			fmt.Sprintf("%s exceeds the maximum size of %s", header.Filename, humanize.IBytes(uint64(s.cfg.MaxFileSize))))
	}
	name, err := files.Sanitize(header.Filename)
	if err != nil {
		return "", err
	}

	f, err := header.Open()
	if err != nil {
		return "", models.WrapError(models.KindValidation, "failed to read upload", err)
	}
	defer f.Close()

	detected, err := sniff.Classify(sniff.FromStream{Reader: f})
	if err != nil || !sniff.MatchesType(detected, tool.Kind) {
		return "", models.WrapError(models.KindValidation,
			fmt.Sprintf("%s is not a valid %s file", name, tool.Kind), models.ErrTypeMismatch)
	}
	return detected, nil
}

func (s *Server) save(job *models.Job, header *multipart.FileHeader) (*models.UploadArtifact, error) {
	f, err := header.Open()
	if err != nil {
		return nil, models.WrapError(models.KindValidation, "failed to read upload", err)
	}
	defer f.Close()
	return s.store.SaveUpload(job, header.Filename, f)
}

func formParams(form *multipart.Form, tool *tools.Tool) map[string]string {
	params := make(map[string]string, len(tool.Params))
	for _, p := range tool.Params {
		if values := form.Value[p.Name]; len(values) > 0 {
			params[p.Name] = values[0]
		}
	}
	return params
}

func (s *Server) cloudImport(c *gin.Context) {
	var req services.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, models.WrapError(models.KindValidation, "provider and filename are required", err))
		return
	}

	result, err := s.importer.Import(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ref, err := s.publisher.Publish(c.Request.Context(), result.Job, result.Artifact.Path)
	if err != nil {
		s.store.Discard(result.Job)
		s.writeError(c, withJob(err, result.Job.ID))
		return
	}

	c.JSON(http.StatusOK, importResponse{
		JobID:        result.Job.ID,
		Filename:     result.Artifact.SanitizedName,
		DetectedType: result.Artifact.DetectedType,
		Size:         result.Artifact.Size,
		DownloadURL:  ref.URL,
		Remote:       ref.Remote,
	})
}

// download serves a finished artifact from the job directory. Range requests
// are honoured.
func (s *Server) download(c *gin.Context) {
	job, err := s.store.Open(c.Param("job_id"))
	if err != nil || s.store.Expired(job, time.Now()) {
		s.writeError(c, models.NewError(models.KindNotFound, "File not found or expired"))
		return
	}
	path, err := s.store.Resolve(job.ID, c.Param("filename"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	f, err := s.store.Fs().Open(path)
	if err != nil {
		s.writeError(c, models.WrapError(models.KindNotFound, "File not found or expired", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(c, models.WrapError(models.KindNotFound, "File not found or expired", err))
		return
	}

	name := filepath.Base(path)
	contentType, err := sniff.Classify(sniff.FromStream{Reader: f})
	if err != nil {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Header("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}

func withJob(err error, jobID string) error {
	var appErr *models.Error
	if errors.As(err, &appErr) && appErr.JobID == "" {
		return appErr.WithJob(jobID)
	}
	return err
}

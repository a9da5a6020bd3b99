package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filevora/files"
	"filevora/models"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Store owns the job directories under root. Everything it knows is on disk,
// so a restarted process sees the same jobs.
type Store struct {
	fs        afero.Fs
	root      string
	retention time.Duration
	logger    *log.Logger
	newID     func() string
}

type SweepResult struct {
	Scanned int
	Reaped  int
	Failed  int
	Err     error
}

func NewStore(fs afero.Fs, root string, retention time.Duration, logger *log.Logger) (*Store, error) {
	if exists, _ := afero.DirExists(fs, root); !exists {
		if err := fs.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
		}
	}
	return &Store{
		fs:        fs,
		root:      root,
		retention: retention,
		logger:    logger,
		newID:     uuid.NewString,
	}, nil
}

func (s *Store) Fs() afero.Fs { return s.fs }

func (s *Store) Root() string { return s.root }

func (s *Store) Retention() time.Duration { return s.retention }

func (s *Store) jobPath(id string) string { return filepath.Join(s.root, id) }

// expired reports whether a directory last modified at mod is past retention.
func (s *Store) expired(mod, now time.Time) bool {
	return mod.Before(now.Add(-s.retention))
}

// Expired reports whether job is past the retention window at now, whether
// or not the sweeper has reached it yet.
func (s *Store) Expired(job *models.Job, now time.Time) bool {
	return s.expired(job.CreatedAt, now)
}

// Allocate creates a fresh job directory with its uploads/ and outputs/
// subdirectories.
func (s *Store) Allocate() (*models.Job, error) {
	id := s.newID()
	root := s.jobPath(id)

	// Mkdir rather than MkdirAll: an existing directory means an id collision.
	if err := s.fs.Mkdir(root, 0o755); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to create job directory", err)
	}
	for _, dir := range []string{models.UploadsDirName, models.OutputsDirName} {
		if err := s.fs.Mkdir(filepath.Join(root, dir), 0o755); err != nil {
			s.removeBestEffort(id, root)
			return nil, models.WrapError(models.KindStorageUnavailable, "failed to create job directory", err).WithJob(id)
		}
	}

	return &models.Job{ID: id, RootPath: root, CreatedAt: time.Now()}, nil
}

// Open returns the job with the given id if its directory exists.
func (s *Store) Open(id string) (*models.Job, error) {
	if !ValidJobID(id) {
		return nil, models.NewError(models.KindNotFound, "job not found")
	}
	root := s.jobPath(id)
	info, err := s.fs.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, models.NewError(models.KindNotFound, "job not found")
	}
	return &models.Job{ID: id, RootPath: root, CreatedAt: info.ModTime()}, nil
}

// SaveUpload writes r into the job's uploads/ directory under the sanitized,
// collision-free form of declaredName.
func (s *Store) SaveUpload(job *models.Job, declaredName string, r io.Reader) (*models.UploadArtifact, error) {
	name, err := files.Sanitize(declaredName)
	if err != nil {
		return nil, err
	}
	dir := job.UploadsDir()
	unique, err := files.UniqueName(s.fs, dir, name)
	if err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to name upload", err).WithJob(job.ID)
	}

	path := filepath.Join(dir, unique)
	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to create upload file", err).WithJob(job.ID)
	}
	size, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to save upload", copyErr).WithJob(job.ID)
	}
	if closeErr != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, "failed to save upload", closeErr).WithJob(job.ID)
	}

	return &models.UploadArtifact{
		DeclaredName:  declaredName,
		SanitizedName: unique,
		Path:          path,
		Size:          size,
	}, nil
}

// Resolve maps a download request to a file, looking in outputs/ first and
// then at the job root where archives are written.
func (s *Store) Resolve(id, filename string) (string, error) {
	notFound := models.NewError(models.KindNotFound, "File not found or expired")
	if !ValidJobID(id) || !validDownloadName(filename) {
		return "", notFound
	}
	candidates := []string{
		filepath.Join(s.jobPath(id), models.OutputsDirName, filename),
		filepath.Join(s.jobPath(id), filename),
	}
	for _, candidate := range candidates {
		info, err := s.fs.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	return "", notFound
}

// Reap deletes job if its directory is older than the retention window at
// now. It reports whether anything was deleted.
func (s *Store) Reap(job *models.Job, now time.Time) (bool, error) {
	info, err := s.fs.Stat(job.RootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat job %s: %w", job.ID, err)
	}
	if !s.expired(info.ModTime(), now) {
		return false, nil
	}
	if err := s.fs.RemoveAll(job.RootPath); err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
	}
	return true, nil
}

// Sweep deletes every expired job directory found under root. A failure on
// one job is logged and does not stop the rest.
func (s *Store) Sweep(now time.Time) SweepResult {
	var result SweepResult

	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		s.logger.Error("Failed to list job directories", "root", s.root, "error", err)
		result.Err = err
		return result
	}

	for _, entry := range entries {
		if !entry.IsDir() || !ValidJobID(entry.Name()) {
			continue
		}
		result.Scanned++
		if !s.expired(entry.ModTime(), now) {
			continue
		}
		if err := s.fs.RemoveAll(s.jobPath(entry.Name())); err != nil {
			result.Failed++
			s.logger.Error("Failed to delete expired job", "job_id", entry.Name(), "error", err)
			continue
		}
		result.Reaped++
		s.logger.Info("Deleted expired job", "job_id", entry.Name(), "modified", entry.ModTime().Format(time.RFC3339))
	}
	return result
}

// Discard removes a job immediately. It is only used when a job could not be
// set up or published, and never fails the caller.
func (s *Store) Discard(job *models.Job) {
	if job == nil {
		return
	}
	s.removeBestEffort(job.ID, job.RootPath)
}

func (s *Store) removeBestEffort(id, root string) {
	if err := s.fs.RemoveAll(root); err != nil {
		s.logger.Warn("Failed to remove job directory", "job_id", id, "error", err)
	}
}

// ValidJobID reports whether id is a canonical job identifier.
func ValidJobID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

func validDownloadName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && name == filepath.Base(name)
}

// Package archive rewrites uploaded archives into another container format
// without ever unpacking them onto disk.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"filevora/models"
	"filevora/sniff"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// Format is an output container.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
)

// Formats lists every supported output container.
var Formats = []string{string(FormatTar), string(FormatTarGz), string(FormatZip)}

func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatZip, FormatTar, FormatTarGz:
		return f, nil
	default:
		return "", models.NewError(models.KindValidation,
			fmt.Sprintf("unsupported archive format %q, expected one of %s", name, strings.Join(Formats, ", ")))
	}
}

// Limits bound what a single archive may expand to.
type Limits struct {
	MaxEntries      int
	MaxExpandedSize int64
}

// Repacker streams archive members from one container into another.
type Repacker struct {
	fs     afero.Fs
	limits Limits
	logger *log.Logger
}

func NewRepacker(fs afero.Fs, limits Limits, logger *log.Logger) *Repacker {
	return &Repacker{fs: fs, limits: limits, logger: logger}
}

type member struct {
	name    string
	dir     bool
	mode    fs.FileMode
	modTime time.Time
	size    int64
	body    io.Reader
}

// Repack reads the archive at inputPath, whatever container it is in, and
// writes the same members to outputPath as target. A failed run leaves no
// output behind.
func (r *Repacker) Repack(ctx context.Context, inputPath, outputPath, target string) (err error) {
	format, err := ParseFormat(target)
	if err != nil {
		return err
	}

	in, err := r.fs.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	detected, err := sniff.Classify(sniff.FromStream{Reader: in})
	if err != nil {
		return models.WrapError(models.KindValidation, "archive is empty or unreadable", err)
	}

	out, err := r.fs.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create output archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = r.fs.Remove(outputPath)
		}
	}()

	w := newSink(out, format)
	quota := &budget{entries: r.limits.MaxEntries, bytes: r.limits.MaxExpandedSize}
	walkErr := r.walk(ctx, in, info.Size(), detected, func(m member) error {
		name, err := cleanName(m.name)
		if err != nil || name == "" {
			return err
		}
		m.name = name
		if err := quota.admit(m); err != nil {
			return err
		}
		if m.body != nil {
			m.body = &meteredReader{r: m.body, budget: quota}
		}
		return w.add(m)
	})
	closeErr := w.Close()
	fileErr := out.Close()
	if walkErr != nil {
		return walkErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finish %s archive: %w", format, closeErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to write output archive: %w", fileErr)
	}

	r.logger.Debug("Repacked archive", "input", path.Base(inputPath), "from", detected, "to", format,
		"members", r.limits.MaxEntries-quota.entries,
		"expanded", humanize.Bytes(uint64(r.limits.MaxExpandedSize-quota.bytes)))
	return nil
}

func (r *Repacker) walk(ctx context.Context, in afero.File, size int64, detected string, fn func(member) error) error {
	switch {
	case isZip(detected):
		return walkZip(ctx, in, size, r.limits.MaxExpandedSize, fn)
	case detected == "application/x-tar":
		return walkTar(ctx, in, fn)
	case detected == "application/gzip":
		gz, err := gzip.NewReader(in)
		if err != nil {
			return corrupt(err)
		}
		defer gz.Close()
		return walkTar(ctx, gz, fn)
	case detected == "application/x-bzip2":
		return walkTar(ctx, bzip2.NewReader(in), fn)
	default:
		return models.NewError(models.KindValidation, fmt.Sprintf("cannot read %s archives, upload zip, tar, tar.gz or tar.bz2", detected))
	}
}

func walkZip(ctx context.Context, in afero.File, size, maxExpanded int64, fn func(member) error) error {
	zr, err := zip.NewReader(in, size)
	if errors.Is(err, zip.ErrInsecurePath) {
		// Unsafe names are refused member by member in cleanName.
		err = nil
	}
	if err != nil {
		return corrupt(err)
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := f.Mode()
		if !mode.IsDir() && !mode.IsRegular() {
			continue
		}
		if f.UncompressedSize64 > uint64(maxExpanded) {
			return tooLarge(maxExpanded)
		}
		m := member{name: f.Name, dir: mode.IsDir(), mode: mode, modTime: f.Modified, size: int64(f.UncompressedSize64)}
		if m.dir {
			if err := fn(m); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return corrupt(err)
		}
		m.body = rc
		err = fn(m)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func walkTar(ctx context.Context, in io.Reader, fn func(member) error) error {
	tr := tar.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return corrupt(err)
		}

		info := header.FileInfo()
		switch {
		case info.IsDir():
			err = fn(member{name: header.Name, dir: true, mode: info.Mode(), modTime: header.ModTime})
		case info.Mode().IsRegular():
			err = fn(member{name: header.Name, mode: info.Mode(), modTime: header.ModTime, size: header.Size, body: tr})
		default:
			// Links and devices are dropped.
			continue
		}
		if err != nil {
			return err
		}
	}
}

// isZip reports whether detected is zip or a zip-based container.
func isZip(detected string) bool {
	for m := mimetype.Lookup(detected); m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// cleanName rejects names that would land outside the archive root when
// unpacked.
func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") || (len(name) > 1 && name[1] == ':') {
		return "", unsafeName(name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", unsafeName(name)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func unsafeName(name string) error {
	return models.NewError(models.KindValidation, fmt.Sprintf("archive member %q points outside the archive", name))
}

func corrupt(err error) error {
	return models.WrapError(models.KindValidation, "archive is corrupt or truncated", err)
}

func tooLarge(limit int64) error {
	return models.NewError(models.KindTooLarge, fmt.Sprintf("archive expands beyond %s", humanize.Bytes(uint64(limit))))
}

type budget struct {
	entries int
	bytes   int64
}

var errBudgetExceeded = errors.New("expanded size budget exceeded")

func (b *budget) admit(m member) error {
	b.entries--
	if b.entries < 0 {
		return models.NewError(models.KindTooLarge, "archive has too many members")
	}
	if m.size > b.bytes {
		return models.WrapError(models.KindTooLarge, "archive expands beyond the allowed size", errBudgetExceeded)
	}
	return nil
}

// meteredReader charges every byte read against the budget, so members that
// lie about their size are still caught.
type meteredReader struct {
	r      io.Reader
	budget *budget
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.budget.bytes -= int64(n)
	if m.budget.bytes < 0 {
		return n, models.WrapError(models.KindTooLarge, "archive expands beyond the allowed size", errBudgetExceeded)
	}
	return n, err
}

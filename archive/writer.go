package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"
)

type sink interface {
	add(m member) error
	Close() error
}

func newSink(w io.Writer, format Format) sink {
	switch format {
	case FormatTar:
		return &tarSink{tw: tar.NewWriter(w)}
	case FormatTarGz:
		gz := gzip.NewWriter(w)
		return &tarSink{tw: tar.NewWriter(gz), gz: gz}
	default:
		return &zipSink{zw: zip.NewWriter(w)}
	}
}

type zipSink struct {
	zw *zip.Writer
}

func (s *zipSink) add(m member) error {
	header := &zip.FileHeader{Name: m.name, Modified: m.modTime, Method: zip.Deflate}
	if m.dir {
		header.Name += "/"
		header.Method = zip.Store
		header.SetMode(dirPerm | os.ModeDir)
		_, err := s.zw.CreateHeader(header)
		return err
	}
	header.SetMode(filePerm(m))
	w, err := s.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", m.name, err)
	}
	if _, err := io.Copy(w, m.body); err != nil {
		return fmt.Errorf("failed to copy %s: %w", m.name, err)
	}
	return nil
}

func (s *zipSink) Close() error {
	return s.zw.Close()
}

type tarSink struct {
	tw *tar.Writer
	gz *gzip.Writer
}

func (s *tarSink) add(m member) error {
	header := &tar.Header{Name: m.name, ModTime: m.modTime, Format: tar.FormatPAX}
	if m.dir {
		header.Name += "/"
		header.Typeflag = tar.TypeDir
		header.Mode = int64(dirPerm)
		return s.tw.WriteHeader(header)
	}
	header.Typeflag = tar.TypeReg
	header.Mode = int64(filePerm(m))
	header.Size = m.size
	if err := s.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to add %s: %w", m.name, err)
	}
	// A member shorter than its header fails here, not at Close.
	if _, err := io.CopyN(s.tw, m.body, m.size); err != nil {
		return fmt.Errorf("failed to copy %s: %w", m.name, err)
	}
	return nil
}

func (s *tarSink) Close() error {
	if err := s.tw.Close(); err != nil {
		return err
	}
	if s.gz != nil {
		return s.gz.Close()
	}
	return nil
}

const dirPerm os.FileMode = 0o755

func filePerm(m member) os.FileMode {
	if perm := m.mode.Perm(); perm != 0 {
		return perm
	}
	return 0o644
}

// Entry is one file for WriteZip.
type Entry struct {
	Name string
	Body io.Reader
}

// WriteZip creates outputPath holding entries in order.
func WriteZip(fs afero.Fs, outputPath string, entries []Entry) (err error) {
	out, err := fs.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(outputPath)
		}
	}()

	w := newSink(out, FormatZip)
	now := time.Now()
	for _, e := range entries {
		if err = w.add(member{name: e.Name, modTime: now, body: e.Body}); err != nil {
			_ = w.Close()
			_ = out.Close()
			return err
		}
	}
	if err = w.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to finish zip: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("failed to write zip: %w", err)
	}
	return nil
}

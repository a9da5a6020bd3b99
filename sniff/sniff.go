// Package sniff classifies uploads by their leading bytes, never by name.
package sniff

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// HeaderSize is how much of a source is inspected. It matches the signature
// window mimetype itself reads from streams.
const HeaderSize = 3072

// Kind is a coarse content category a tool asks for.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindArchive  Kind = "archive"
	KindDocument Kind = "document"
)

var ErrEmpty = errors.New("empty content")

// Source is the input to Classify: one of FromPath, FromBytes or FromStream.
type Source interface {
	source()
}

// FromPath reads the header of a file. A nil Fs means the OS filesystem.
type FromPath struct {
	Fs   afero.Fs
	Path string
}

// FromBytes classifies an in-memory buffer.
type FromBytes []byte

// FromStream reads the header from Reader. When Reader is also an io.Seeker
// it is rewound to the start before and after reading; otherwise the header
// bytes are consumed.
type FromStream struct {
	Reader io.Reader
}

func (FromPath) source()   {}
func (FromBytes) source()  {}
func (FromStream) source() {}

var archiveTypes = map[string]struct{}{
	"application/zip":                   {},
	"application/x-tar":                 {},
	"application/gzip":                  {},
	"application/x-bzip2":               {},
	"application/x-xz":                  {},
	"application/zstd":                  {},
	"application/x-7z-compressed":       {},
	"application/x-rar-compressed":      {},
	"application/vnd.rar":               {},
	"application/vnd.ms-cab-compressed": {},
}

var documentTypes = map[string]struct{}{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},

	"application/msword":                              {},
	"application/vnd.ms-excel":                        {},
	"application/vnd.ms-powerpoint":                   {},
	"application/x-ole-storage":                       {},
	"application/vnd.oasis.opendocument.text":         {},
	"application/vnd.oasis.opendocument.spreadsheet":  {},
	"application/vnd.oasis.opendocument.presentation": {},
	"text/rtf":                                        {},
	// OOXML containers whose marker parts sit past the header are only
	// recognisable as zip.
	"application/zip": {},
}

// ParseKind maps a category name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(name))); kind {
	case KindPDF, KindImage, KindVideo, KindAudio, KindArchive, KindDocument:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown content kind %q", name)
	}
}

// Classify returns the MIME type detected from the first HeaderSize bytes of
// src, without parameters.
func Classify(src Source) (string, error) {
	header, err := readHeader(src)
	if err != nil {
		return "", err
	}
	if len(header) == 0 {
		return "", ErrEmpty
	}
	return bareType(mimetype.Detect(header).String()), nil
}

// Matches reports whether src holds content of the given kind. Any failure
// to classify counts as a mismatch.
func Matches(src Source, kind Kind) bool {
	detected, err := Classify(src)
	if err != nil {
		return false
	}
	return MatchesType(detected, kind)
}

// MatchesType reports whether an already detected MIME type satisfies kind.
func MatchesType(detected string, kind Kind) bool {
	detected = bareType(detected)
	switch kind {
	case KindPDF:
		return detected == "application/pdf"
	case KindImage:
		return strings.HasPrefix(detected, "image/")
	case KindVideo:
		return strings.HasPrefix(detected, "video/")
	case KindAudio:
		return strings.HasPrefix(detected, "audio/")
	case KindDocument:
		_, ok := documentTypes[detected]
		return ok
	case KindArchive:
		if _, ok := archiveTypes[detected]; ok {
			return true
		}
		if m := mimetype.Lookup(detected); m != nil {
			for parent := m.Parent(); parent != nil; parent = parent.Parent() {
				if _, ok := archiveTypes[bareType(parent.String())]; ok {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func readHeader(src Source) ([]byte, error) {
	switch s := src.(type) {
	case FromBytes:
		if len(s) > HeaderSize {
			return s[:HeaderSize], nil
		}
		return s, nil
	case FromPath:
		fs := s.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		file, err := fs.Open(s.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
		}
		defer file.Close()
		return readPrefix(file)
	case FromStream:
		if s.Reader == nil {
			return nil, errors.New("nil stream")
		}
		seeker, seekable := s.Reader.(io.Seeker)
		if seekable {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("failed to rewind stream: %w", err)
			}
		}
		header, err := readPrefix(s.Reader)
		if seekable {
			if _, seekErr := seeker.Seek(0, io.SeekStart); seekErr != nil && err == nil {
				err = fmt.Errorf("failed to rewind stream: %w", seekErr)
			}
		}
		return header, err
	default:
		return nil, fmt.Errorf("unsupported source %T", src)
	}
}

func readPrefix(r io.Reader) ([]byte, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return buf[:n], nil
}

func bareType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Package tools maps tool names to the content they accept and the
// collaborator call that produces their output.
package tools

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"filevora/archive"
	"filevora/models"
	"filevora/sniff"
)

// Office is the document collaborator.
type Office interface {
	ConvertOffice(ctx context.Context, inputPath, outputPath string) error
	ConvertToPDFA(ctx context.Context, inputPath, outputPath string) error
	MergePDFs(ctx context.Context, inputPaths []string, outputPath string) error
	ConvertImages(ctx context.Context, inputPaths []string, outputPath string) error
	SplitPDF(ctx context.Context, inputPath, outputPath string) error
}

// Archiver rewrites an archive into another container format.
type Archiver interface {
	Repack(ctx context.Context, inputPath, outputPath, format string) error
}

// Media is the audio/video collaborator.
type Media interface {
	Transcode(ctx context.Context, inputPath, outputPath string, args ...string) error
}

// Input is everything a tool run needs. Files have already been sniffed.
type Input struct {
	Job    *models.Job
	Files  []*models.UploadArtifact
	Params map[string]string
}

// Param is an option a client may pass, restricted to Allowed values.
type Param struct {
	Name    string
	Default string
	Allowed []string
}

type runFunc func(ctx context.Context, in Input, params map[string]string) (string, error)

type Tool struct {
	Name     string
	Kind     sniff.Kind
	MinFiles int
	MaxFiles int
	Params   []Param
	run      runFunc
}

// Resolve checks client parameters against the allow-lists and fills in
// defaults. Keys the tool does not declare are ignored.
func (t *Tool) Resolve(raw map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(t.Params))
	for _, p := range t.Params {
		value := strings.ToLower(strings.TrimSpace(raw[p.Name]))
		if value == "" {
			value = p.Default
		}
		if !slices.Contains(p.Allowed, value) {
			return nil, models.NewError(models.KindValidation,
				fmt.Sprintf("invalid %s %q for %s, expected one of %s", p.Name, raw[p.Name], t.Name, strings.Join(p.Allowed, ", ")))
		}
		resolved[p.Name] = value
	}
	return resolved, nil
}

// CheckFileCount validates how many files a request carries.
func (t *Tool) CheckFileCount(n int) error {
	if n < t.MinFiles {
		if t.MinFiles == 1 {
			return models.NewError(models.KindValidation, "no file provided")
		}
		return models.NewError(models.KindValidation, fmt.Sprintf("%s needs at least %d files", t.Name, t.MinFiles))
	}
	if n > t.MaxFiles {
		return models.NewError(models.KindValidation, fmt.Sprintf("%s accepts at most %d files", t.Name, t.MaxFiles))
	}
	return nil
}

// Run produces the tool's output and returns its path. Single files land in
// the job's outputs/ directory; bundles of several files land in the job
// root.
func (t *Tool) Run(ctx context.Context, in Input) (string, error) {
	if err := t.CheckFileCount(len(in.Files)); err != nil {
		return "", err
	}
	for _, f := range in.Files {
		if !sniff.MatchesType(f.DetectedType, t.Kind) {
			return "", models.WrapError(models.KindValidation,
				fmt.Sprintf("%s is not a valid %s file", f.SanitizedName, t.Kind), models.ErrTypeMismatch)
		}
	}
	params, err := t.Resolve(in.Params)
	if err != nil {
		return "", err
	}
	return t.run(ctx, in, params)
}

type Registry struct {
	tools map[string]*Tool
}

func (r *Registry) Lookup(name string) (*Tool, bool) {
	tool, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return tool, ok
}

func (r *Registry) Names() []string {
	return sortedKeys(r.tools)
}

func (r *Registry) register(tool *Tool) {
	if tool.MinFiles == 0 {
		tool.MinFiles = 1
	}
	if tool.MaxFiles == 0 {
		tool.MaxFiles = 1
	}
	r.tools[tool.Name] = tool
}

// NewRegistry wires every tool to its collaborator. maxFiles caps the
// multi-file tools.
func NewRegistry(office Office, media Media, archiver Archiver, maxFiles int) *Registry {
	r := &Registry{tools: make(map[string]*Tool)}

	r.register(&Tool{
		Name: "docx-to-pdf",
		Kind: sniff.KindDocument,
		run: func(ctx context.Context, in Input, _ map[string]string) (string, error) {
			out := outputPath(in, in.Files[0], "", "pdf")
			return out, office.ConvertOffice(ctx, in.Files[0].Path, out)
		},
	})
	r.register(&Tool{
		Name:     "image-to-pdf",
		Kind:     sniff.KindImage,
		MaxFiles: maxFiles,
		run: func(ctx context.Context, in Input, _ map[string]string) (string, error) {
			out := outputPath(in, in.Files[0], "", "pdf")
			if len(in.Files) > 1 {
				out = filepath.Join(in.Job.OutputsDir(), "converted_images.pdf")
			}
			return out, office.ConvertImages(ctx, inputPaths(in), out)
		},
	})
	r.register(&Tool{
		Name: "pdf-to-pdfa",
		Kind: sniff.KindPDF,
		run: func(ctx context.Context, in Input, _ map[string]string) (string, error) {
			out := outputPath(in, in.Files[0], "_pdfa", "pdf")
			return out, office.ConvertToPDFA(ctx, in.Files[0].Path, out)
		},
	})
	r.register(&Tool{
		Name:     "merge-pdf",
		Kind:     sniff.KindPDF,
		MinFiles: 2,
		MaxFiles: maxFiles,
		run: func(ctx context.Context, in Input, _ map[string]string) (string, error) {
			out := filepath.Join(in.Job.OutputsDir(), "merged.pdf")
			return out, office.MergePDFs(ctx, inputPaths(in), out)
		},
	})
	r.register(&Tool{
		Name: "split-pdf",
		Kind: sniff.KindPDF,
		run: func(ctx context.Context, in Input, _ map[string]string) (string, error) {
			out := filepath.Join(in.Job.RootPath, stem(in.Files[0])+"_split.zip")
			return out, office.SplitPDF(ctx, in.Files[0].Path, out)
		},
	})

	r.register(&Tool{
		Name:   "archive-convert",
		Kind:   sniff.KindArchive,
		Params: []Param{{Name: "target_format", Default: "zip", Allowed: archive.Formats}},
		run: func(ctx context.Context, in Input, params map[string]string) (string, error) {
			out := filepath.Join(in.Job.RootPath, stem(in.Files[0])+"."+params["target_format"])
			return out, archiver.Repack(ctx, in.Files[0].Path, out, params["target_format"])
		},
	})

	r.register(&Tool{
		Name:   "convert-video",
		Kind:   sniff.KindVideo,
		Params: []Param{{Name: "format", Default: "mp4", Allowed: sortedKeys(videoCodecs)}},
		run: func(ctx context.Context, in Input, params map[string]string) (string, error) {
			format := params["format"]
			out := outputPath(in, in.Files[0], "", format)
			return out, media.Transcode(ctx, in.Files[0].Path, out, videoCodecs[format]...)
		},
	})
	r.register(&Tool{
		Name:   "compress-video",
		Kind:   sniff.KindVideo,
		Params: []Param{{Name: "level", Default: "basic", Allowed: sortedKeys(videoCRF)}},
		run: func(ctx context.Context, in Input, params map[string]string) (string, error) {
			out := outputPath(in, in.Files[0], "_compressed", "mp4")
			return out, media.Transcode(ctx, in.Files[0].Path, out,
				"-c:v", "libx264", "-crf", videoCRF[params["level"]], "-preset", "medium", "-c:a", "aac", "-b:a", "128k")
		},
	})
	r.register(&Tool{
		Name:   "extract-audio",
		Kind:   sniff.KindVideo,
		Params: []Param{{Name: "format", Default: "mp3", Allowed: sortedKeys(audioCodecs)}},
		run: func(ctx context.Context, in Input, params map[string]string) (string, error) {
			format := params["format"]
			out := outputPath(in, in.Files[0], "", format)
			args := append([]string{"-vn"}, audioCodecs[format]...)
			return out, media.Transcode(ctx, in.Files[0].Path, out, args...)
		},
	})
	r.register(&Tool{
		Name: "convert-audio",
		Kind: sniff.KindAudio,
		Params: []Param{
			{Name: "format", Default: "mp3", Allowed: sortedKeys(audioCodecs)},
			{Name: "bitrate", Default: "192k", Allowed: []string{"64k", "96k", "128k", "192k", "256k", "320k"}},
		},
		run: func(ctx context.Context, in Input, params map[string]string) (string, error) {
			format := params["format"]
			out := outputPath(in, in.Files[0], "_converted", format)
			args := append([]string{"-vn"}, audioCodecs[format]...)
			if !losslessAudio[format] {
				args = append(args, "-b:a", params["bitrate"])
			}
			return out, media.Transcode(ctx, in.Files[0].Path, out, args...)
		},
	})
	r.register(&Tool{
		Name:   "compress-audio",
		Kind:   sniff.KindAudio,
		Params: []Param{{Name: "quality", Default: "medium", Allowed: sortedKeys(audioQuality)}},
		run: func(ctx context.Context, in Input, params map[string]string) (string, error) {
			out := outputPath(in, in.Files[0], "_compressed", "mp3")
			return out, media.Transcode(ctx, in.Files[0].Path, out,
				"-vn", "-c:a", "libmp3lame", "-b:a", audioQuality[params["quality"]])
		},
	})

	return r
}

var videoCodecs = map[string][]string{
	"mp4":  {"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac", "-movflags", "+faststart"},
	"webm": {"-c:v", "libvpx-vp9", "-crf", "32", "-b:v", "0", "-c:a", "libopus"},
	"mov":  {"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac"},
	"mkv":  {"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac"},
	"avi":  {"-c:v", "mpeg4", "-q:v", "5", "-c:a", "libmp3lame"},
	"gif":  {"-vf", "fps=10,scale=320:-1:flags=lanczos", "-c:v", "gif", "-an"},
}

var videoCRF = map[string]string{
	"basic":   "28",
	"strong":  "35",
	"extreme": "45",
}

var audioCodecs = map[string][]string{
	"mp3":  {"-c:a", "libmp3lame"},
	"wav":  {"-c:a", "pcm_s16le"},
	"aac":  {"-c:a", "aac"},
	"m4a":  {"-c:a", "aac"},
	"ogg":  {"-c:a", "libvorbis"},
	"flac": {"-c:a", "flac"},
}

var losslessAudio = map[string]bool{"wav": true, "flac": true}

var audioQuality = map[string]string{
	"low":    "64k",
	"medium": "128k",
	"high":   "192k",
}

// outputPath names an output after the sanitized input stem.
func outputPath(in Input, src *models.UploadArtifact, suffix, ext string) string {
	return filepath.Join(in.Job.OutputsDir(), stem(src)+suffix+"."+ext)
}

func stem(src *models.UploadArtifact) string {
	name := src.SanitizedName
	ext := filepath.Ext(name)
	// Compressed tarballs drop the whole compound extension.
	if lower := strings.ToLower(name); strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tar.bz2") {
		ext = filepath.Ext(strings.TrimSuffix(name, ext)) + ext
	}
	name = strings.TrimSuffix(name, ext)
	if name == "" {
		return "output"
	}
	return name
}

func inputPaths(in Input) []string {
	paths := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

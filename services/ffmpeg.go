package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"filevora/models"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/charmbracelet/log"
)

// FFmpegService runs the ffmpeg binary for audio and video tools.
type FFmpegService struct {
	binary string
	logger *log.Logger
	run    func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error)
}

func NewFFmpegService(binary string, logger *log.Logger) *FFmpegService {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegService{
		binary: binary,
		logger: logger,
		run: func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
			return task.Execute(ctx)
		},
	}
}

// Transcode reads inputPath and writes outputPath, with args placed between
// the input and the output. Both paths must be absolute so a name starting
// with "-" is never read as an option.
func (f *FFmpegService) Transcode(ctx context.Context, inputPath, outputPath string, args ...string) error {
	argv := make([]string, 0, len(args)+8)
	argv = append(argv, "-hide_banner", "-nostdin", "-loglevel", "error", "-y", "-i", inputPath)
	argv = append(argv, args...)
	argv = append(argv, outputPath)

	f.logger.Debug("Running ffmpeg", "args", argv)

	result, err := f.run(ctx, execute.ExecTask{
		Command:     f.binary,
		Args:        argv,
		StreamStdio: false,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.WrapError(models.KindConversionFailure, "conversion timed out", errors.Join(ctxErr, err))
		}
		return models.WrapError(models.KindConversionFailure, "failed to start media converter", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.WrapError(models.KindConversionFailure, "conversion timed out", ctxErr)
	}
	if result.ExitCode != 0 {
		return models.WrapError(models.KindConversionFailure,
			fmt.Sprintf("media conversion failed: %s", lastLine(result.Stderr)),
			fmt.Errorf("ffmpeg exited with code %d", result.ExitCode))
	}
	return nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "unknown error"
}

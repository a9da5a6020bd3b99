package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("saving upload: %w", WrapError(KindValidation, "file type .exe is not allowed", ErrDisallowedFileType))

	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, errors.Is(err, ErrDisallowedFileType))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWithJob_DoesNotMutateOriginal(t *testing.T) {
	base := NewError(KindConversionFailure, "ffmpeg exited with status 1")
	tagged := base.WithJob("job-1")

	assert.Empty(t, base.JobID)
	assert.Equal(t, "job-1", tagged.JobID)
	assert.Equal(t, "conversion_failure: ffmpeg exited with status 1", tagged.Error())
}

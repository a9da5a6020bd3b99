package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"filevora/config"
	"filevora/logging"
	"filevora/models"
	"filevora/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRecorder struct {
	mu      sync.Mutex
	records []models.ConversionRecord
}

func (m *memoryRecorder) RecordConversion(_ context.Context, record models.ConversionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryRecorder) all() []models.ConversionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ConversionRecord(nil), m.records...)
}

func newTestPool(t *testing.T, timeout time.Duration, recorder Recorder) (*Pool, context.CancelFunc) {
	t.Helper()
	cfg := &config.Config{WorkerCount: 2, QueueSize: 4, ConversionTimeout: timeout}
	pool := NewPool(cfg, recorder, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return pool, cancel
}

func testTask(size int64) Task {
	return Task{
		Job:    &models.Job{ID: "9a1c4f1e-0a4b-4e0c-8d7e-5b3f2a1c0d9e", RootPath: "/jobs/9a1c4f1e-0a4b-4e0c-8d7e-5b3f2a1c0d9e"},
		Tool:   &tools.Tool{Name: "docx-to-pdf"},
		Files:  []*models.UploadArtifact{{SanitizedName: "a.docx", Size: size}},
		UserID: "user-1",
	}
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func TestPool_CompletesAndRecords(t *testing.T) {
	recorder := &memoryRecorder{}
	pool, _ := newTestPool(t, time.Second, recorder)
	pool.run = func(context.Context, Task) (string, error) { return "/jobs/x/outputs/a.pdf", nil }

	ch, err := pool.Submit(context.Background(), testTask(2048))
	require.NoError(t, err)
	outcome := await(t, ch)

	require.NoError(t, outcome.Err)
	assert.Equal(t, "/jobs/x/outputs/a.pdf", outcome.OutputPath)

	records := recorder.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, int64(2048), records[0].FileSize)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, "docx-to-pdf", records[0].Tool)
}

func TestPool_PanicBecomesConversionFailure(t *testing.T) {
	recorder := &memoryRecorder{}
	pool, _ := newTestPool(t, time.Second, recorder)
	pool.run = func(context.Context, Task) (string, error) { panic("nil map write") }

	ch, err := pool.Submit(context.Background(), testTask(1))
	require.NoError(t, err)
	outcome := await(t, ch)

	assert.Equal(t, models.KindConversionFailure, models.KindOf(outcome.Err))
	assert.NotContains(t, outcome.Err.Error(), "nil map write")
	records := recorder.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)

	// The worker survives the panic.
	pool.run = func(context.Context, Task) (string, error) { return "ok", nil }
	ch, err = pool.Submit(context.Background(), testTask(1))
	require.NoError(t, err)
	assert.NoError(t, await(t, ch).Err)
}

func TestPool_TimeoutAndPlainErrors(t *testing.T) {
	pool, _ := newTestPool(t, 50*time.Millisecond, nil)
	pool.run = func(ctx context.Context, _ Task) (string, error) {
		<-ctx.Done()
		return "", errors.New("signal: killed")
	}

	ch, err := pool.Submit(context.Background(), testTask(1))
	require.NoError(t, err)
	outcome := await(t, ch)

	require.Error(t, outcome.Err)
	assert.Equal(t, models.KindConversionFailure, models.KindOf(outcome.Err))
	assert.Contains(t, outcome.Err.Error(), "timed out")

	var appErr *models.Error
	require.ErrorAs(t, outcome.Err, &appErr)
	assert.Equal(t, testTask(1).Job.ID, appErr.JobID)
}

func TestPool_ConversionSurvivesRequestCancellation(t *testing.T) {
	pool, _ := newTestPool(t, time.Second, nil)
	release := make(chan struct{})
	pool.run = func(ctx context.Context, _ Task) (string, error) {
		<-release
		return "done", ctx.Err()
	}

	reqCtx, cancelReq := context.WithCancel(context.Background())
	ch, err := pool.Submit(reqCtx, testTask(1))
	require.NoError(t, err)
	cancelReq()
	close(release)

	outcome := await(t, ch)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, "done", outcome.OutputPath)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool, cancel := newTestPool(t, time.Second, nil)
	cancel()

	require.Eventually(t, func() bool {
		_, err := pool.Submit(context.Background(), testTask(1))
		return err != nil && models.KindOf(err) == models.KindConversionFailure
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_SubmitRespectsContextWhenQueueFull(t *testing.T) {
	cfg := &config.Config{WorkerCount: 1, QueueSize: 1, ConversionTimeout: time.Second}
	pool := NewPool(cfg, nil, logging.Discard())

	// No workers running, so the queue fills after one task.
	_, err := pool.Submit(context.Background(), testTask(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Submit(ctx, testTask(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_SubmitRacingShutdownIsAlwaysAnswered(t *testing.T) {
	cfg := &config.Config{WorkerCount: 1, QueueSize: 64, ConversionTimeout: time.Second}
	pool := NewPool(cfg, nil, logging.Discard())
	pool.run = func(context.Context, Task) (string, error) { return "/jobs/x/outputs/a.pdf", nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := pool.Submit(context.Background(), testTask(1))
			if err != nil {
				assert.Equal(t, models.KindConversionFailure, models.KindOf(err))
				return
			}
			select {
			case <-result:
			case <-time.After(5 * time.Second):
				t.Error("queued conversion was never answered")
			}
		}()
		if i == 32 {
			cancel()
		}
	}
	wg.Wait()
	<-stopped

	_, err := pool.Submit(context.Background(), testTask(1))
	assert.Equal(t, models.KindConversionFailure, models.KindOf(err))
	assert.Empty(t, pool.tasks)
}

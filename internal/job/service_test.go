package job

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/livephoto-api/internal/library"
	"github.com/maauso/livephoto-api/internal/operation"
	"github.com/maauso/livephoto-api/internal/quicktime/qttest"
	"github.com/maauso/livephoto-api/internal/storage"
)

type observation struct {
	kind, status string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []observation
}

func (r *fakeRecorder) ObserveJob(kind, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, observation{kind, status})
}

func (r *fakeRecorder) observations() []observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observation(nil), r.seen...)
}

type serviceFixture struct {
	dir     string
	svc     *Service
	lib     *library.Store
	metrics *fakeRecorder
}

func newServiceFixture(t *testing.T, status library.AuthorizationStatus, maxConcurrent int) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewLocalStorage(filepath.Join(dir, "library"))
	require.NoError(t, err)

	lib := library.NewStore(library.NewStaticAuthorizer(status, false), blobs, library.NewMemoryCatalog())
	rec := &fakeRecorder{}
	svc := NewService(Deps{
		Repo:          NewMemoryRepository(),
		Library:       lib,
		Metrics:       rec,
		MaxConcurrent: maxConcurrent,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &serviceFixture{dir: dir, svc: svc, lib: lib, metrics: rec}
}

func (f *serviceFixture) wait(t *testing.T, id string) *Job {
	t.Helper()
	var last *Job
	require.Eventually(t, func() bool {
		j, err := f.svc.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func (f *serviceFixture) activeJobs() int {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	return len(f.svc.active)
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(Deps{Repo: NewMemoryRepository()})

	assert.NotNil(t, svc.logger)
	assert.NotNil(t, svc.locker)
	assert.True(t, svc.sem.TryAcquire(DefaultMaxConcurrent))
	assert.False(t, svc.sem.TryAcquire(1))
}

func TestService_SubmitInvalidInput(t *testing.T) {
	f := newServiceFixture(t, library.StatusAuthorized, 1)
	ctx := context.Background()

	_, err := f.svc.SubmitConversion(ctx, ConversionInput{SourcePath: "/in.mov"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SubmitConversion(ctx, ConversionInput{SourcePath: "/in.mov", OutputPath: "/out.mov", StillImageTime: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SubmitLivePhoto(ctx, LivePhotoInput{PhotoPath: "/a.jpg"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	jobs, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestService_ConversionThenLivePhoto(t *testing.T) {
	f := newServiceFixture(t, library.StatusAuthorized, 2)
	ctx := context.Background()

	source := filepath.Join(f.dir, "clip.mov")
	output := filepath.Join(f.dir, "live.mov")
	photo := filepath.Join(f.dir, "still.jpg")
	qttest.WriteMovie(t, source, qttest.Options{})
	writeJPEG(t, photo)

	queued, err := f.svc.SubmitConversion(ctx, ConversionInput{SourcePath: source, OutputPath: output})
	require.NoError(t, err)
	assert.Equal(t, KindConversion, queued.Kind)
	assert.NotEmpty(t, queued.Conversion.Identifier, "identifier is generated when omitted")

	conv := f.wait(t, queued.ID)
	require.Equal(t, StatusCompleted, conv.Status, conv.Error)
	assert.Equal(t, output, conv.Result)
	assert.Equal(t, operation.StateCommitted, conv.Stage)

	queued, err = f.svc.SubmitLivePhoto(ctx, LivePhotoInput{PhotoPath: photo, VideoPath: output})
	require.NoError(t, err)
	ins := f.wait(t, queued.ID)
	require.Equal(t, StatusCompleted, ins.Status, ins.Error)

	asset, err := f.svc.GetAsset(ctx, ins.Result)
	require.NoError(t, err)
	assert.Equal(t, conv.Conversion.Identifier, asset.Identifier)

	require.Eventually(t, func() bool { return len(f.metrics.observations()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []observation{
		{string(KindConversion), string(StatusCompleted)},
		{string(KindLivePhoto), string(StatusCompleted)},
	}, f.metrics.observations())
}

func TestService_FailedJobRecordsKind(t *testing.T) {
	f := newServiceFixture(t, library.StatusDenied, 1)
	ctx := context.Background()

	queued, err := f.svc.SubmitConversion(ctx, ConversionInput{
		SourcePath: filepath.Join(f.dir, "missing.mov"),
		OutputPath: filepath.Join(f.dir, "out.mov"),
	})
	require.NoError(t, err)
	j := f.wait(t, queued.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, operation.KindInputNotFound, j.ErrorKind)
	assert.NotEmpty(t, j.Error)

	photo := filepath.Join(f.dir, "still.jpg")
	video := filepath.Join(f.dir, "clip.mov")
	writeJPEG(t, photo)
	qttest.WriteMovie(t, video, qttest.Options{})

	queued, err = f.svc.SubmitLivePhoto(ctx, LivePhotoInput{PhotoPath: photo, VideoPath: video})
	require.NoError(t, err)
	j = f.wait(t, queued.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, operation.KindPermissionDenied, j.ErrorKind)
}

func TestService_CancelQueuedJob(t *testing.T) {
	f := newServiceFixture(t, library.StatusAuthorized, 1)
	ctx := context.Background()

	// Occupy the only slot so the job stays queued.
	require.True(t, f.svc.sem.TryAcquire(1))

	source := filepath.Join(f.dir, "clip.mov")
	output := filepath.Join(f.dir, "live.mov")
	qttest.WriteMovie(t, source, qttest.Options{})

	queued, err := f.svc.SubmitConversion(ctx, ConversionInput{SourcePath: source, OutputPath: output})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	j := f.wait(t, queued.ID)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, operation.KindExportCancelled, j.ErrorKind)
	f.svc.sem.Release(1)
	require.Eventually(t, func() bool { return f.activeJobs() == 0 }, time.Second, 5*time.Millisecond)

	_, err = os.Stat(output)
	assert.True(t, errors.Is(err, os.ErrNotExist), "cancelled conversion must not write output")

	_, err = f.svc.CancelJob(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestService_CancelJob_NotFound(t *testing.T) {
	f := newServiceFixture(t, library.StatusAuthorized, 1)

	_, err := f.svc.CancelJob(context.Background(), "job-missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestService_JobCounts(t *testing.T) {
	f := newServiceFixture(t, library.StatusAuthorized, 1)
	ctx := context.Background()

	queued, err := f.svc.SubmitConversion(ctx, ConversionInput{
		SourcePath: filepath.Join(f.dir, "missing.mov"),
		OutputPath: filepath.Join(f.dir, "out.mov"),
	})
	require.NoError(t, err)
	f.wait(t, queued.ID)

	counts, err := f.svc.JobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestService_ShutdownRejectsNewJobs(t *testing.T) {
	f := newServiceFixture(t, library.StatusAuthorized, 1)

	require.NoError(t, f.svc.Shutdown(context.Background()))

	_, err := f.svc.SubmitLivePhoto(context.Background(), LivePhotoInput{PhotoPath: "/a.jpg", VideoPath: "/b.mov"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

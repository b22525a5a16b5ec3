package inserter

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/livephoto-api/internal/imagemeta"
	"github.com/maauso/livephoto-api/internal/library"
	"github.com/maauso/livephoto-api/internal/lock"
	"github.com/maauso/livephoto-api/internal/operation"
	"github.com/maauso/livephoto-api/internal/quicktime"
	"github.com/maauso/livephoto-api/internal/quicktime/qttest"
	"github.com/maauso/livephoto-api/internal/storage"
)

const testIdentifier = "2B7D5C14-90A1-4F3E-A6B2-C4D8E0F21357"

type fixture struct {
	dir     string
	photo   string
	video   string
	catalog *library.MemoryCatalog
	lib     *library.Store
}

func newFixture(t *testing.T, status library.AuthorizationStatus, grant bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewLocalStorage(filepath.Join(dir, "library"))
	require.NoError(t, err)

	f := &fixture{
		dir:     dir,
		photo:   filepath.Join(dir, "IMG_0001.jpg"),
		video:   filepath.Join(dir, "IMG_0001.mov"),
		catalog: library.NewMemoryCatalog(),
	}
	f.lib = library.NewStore(library.NewStaticAuthorizer(status, grant), blobs, f.catalog)

	require.NoError(t, os.WriteFile(f.photo, testJPEG(t), 0o600))
	writeLiveVideo(t, f.video, testIdentifier)
	return f
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.lib.Count(context.Background())
	require.NoError(t, err)
	return n
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		img.Set(x, 15-x, color.RGBA{G: 180, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func writeLiveVideo(t *testing.T, path, id string) {
	t.Helper()
	writeLiveVideoFrom(t, path, id, qttest.Options{})
}

func writeLiveVideoFrom(t *testing.T, path, id string, opts qttest.Options) {
	t.Helper()
	src := qttest.Movie(opts)
	var out bytes.Buffer
	_, err := quicktime.Rewrite(context.Background(), bytes.NewReader(src), int64(len(src)), &out,
		quicktime.RewriteOptions{ContentIdentifier: id})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
}

type failingCatalog struct {
	*library.MemoryCatalog
}

func (c failingCatalog) Insert(context.Context, *library.Asset) error {
	return errors.New("disk quota exceeded")
}

func TestNewIdentifier(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`)
	a, b := NewIdentifier(), NewIdentifier()
	assert.Regexp(t, pattern, a)
	assert.NotEqual(t, a, b)
}

func TestInsert_TagsUntaggedPhoto(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)

	assetID, err := New(f.lib).Insert(context.Background(), f.photo, f.video)
	require.NoError(t, err)
	assert.NotEmpty(t, assetID)
	assert.Equal(t, 1, f.count(t))

	id, err := imagemeta.ReadFile(f.photo)
	require.NoError(t, err)
	assert.Equal(t, testIdentifier, id.Value)

	asset, err := f.lib.Get(context.Background(), assetID)
	require.NoError(t, err)
	assert.Equal(t, testIdentifier, asset.Identifier)
	photo, ok := asset.Resource(library.ResourcePhoto)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", photo.ContentType)
	video, ok := asset.Resource(library.ResourcePairedVideo)
	require.True(t, ok)
	assert.Equal(t, "video/quicktime", video.ContentType)
}

func TestInsert_ClassicQuickTimeVideo(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	writeLiveVideoFrom(t, f.video, testIdentifier, qttest.Options{LeadingAtom: "wide"})

	assetID, err := New(f.lib).Insert(context.Background(), f.photo, f.video)
	require.NoError(t, err)
	assert.NotEmpty(t, assetID)
	assert.Equal(t, 1, f.count(t))
}

func TestInsert_PreTaggedPhotoUnchanged(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	require.NoError(t, imagemeta.TagFile(f.photo, testIdentifier))
	before, err := os.ReadFile(f.photo)
	require.NoError(t, err)

	_, err = New(f.lib).Insert(context.Background(), f.photo, f.video)
	require.NoError(t, err)

	after, err := os.ReadFile(f.photo)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.count(t))
}

func TestInsert_MissingIdentifierMetadata(t *testing.T) {
	t.Run("video without identifier", func(t *testing.T) {
		f := newFixture(t, library.StatusAuthorized, false)
		qttest.WriteMovie(t, f.video, qttest.Options{})
		before, err := os.ReadFile(f.photo)
		require.NoError(t, err)

		_, err = New(f.lib).Insert(context.Background(), f.photo, f.video)
		require.Error(t, err)
		assert.Equal(t, operation.KindMissingIdentifierMetadata, operation.KindOf(err))
		assert.ErrorIs(t, err, operation.ErrMissingIdentifierMetadata)
		assert.Equal(t, 0, f.count(t))

		after, err := os.ReadFile(f.photo)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("photo identifier mismatch", func(t *testing.T) {
		f := newFixture(t, library.StatusAuthorized, false)
		require.NoError(t, imagemeta.TagFile(f.photo, "SOMETHING-ELSE"))

		_, err := New(f.lib).Insert(context.Background(), f.photo, f.video)
		require.Error(t, err)
		assert.Equal(t, operation.KindMissingIdentifierMetadata, operation.KindOf(err))
		assert.Equal(t, 0, f.count(t))
	})
}

func TestInsert_PermissionDenied(t *testing.T) {
	tests := []struct {
		name   string
		status library.AuthorizationStatus
		grant  bool
	}{
		{"denied", library.StatusDenied, true},
		{"restricted", library.StatusRestricted, true},
		{"not determined and refused", library.StatusNotDetermined, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.status, tt.grant)
			before, err := os.ReadFile(f.photo)
			require.NoError(t, err)

			_, err = New(f.lib).Insert(context.Background(), f.photo, f.video)
			require.Error(t, err)
			assert.Equal(t, operation.KindPermissionDenied, operation.KindOf(err))

			after, err := os.ReadFile(f.photo)
			require.NoError(t, err)
			assert.Equal(t, before, after, "photo must be byte-identical")
			assert.Equal(t, 0, f.count(t))
		})
	}
}

func TestInsert_RequestsAuthorization(t *testing.T) {
	f := newFixture(t, library.StatusNotDetermined, true)

	_, err := New(f.lib).Insert(context.Background(), f.photo, f.video)
	require.NoError(t, err)
	assert.Equal(t, library.StatusAuthorized, f.lib.AuthorizationStatus(context.Background()))
	assert.Equal(t, 1, f.count(t))
}

func TestInsert_TwiceCreatesDistinctAssets(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	ins := New(f.lib)

	first, err := ins.Insert(context.Background(), f.photo, f.video)
	require.NoError(t, err)
	firstAsset, err := f.lib.Get(context.Background(), first)
	require.NoError(t, err)

	second, err := ins.Insert(context.Background(), f.photo, f.video)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, f.count(t))

	again, err := f.lib.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, firstAsset, again, "first asset must be untouched")
}

func TestInsert_InputErrors(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	text := filepath.Join(f.dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("not an image\n"), 0o600))

	tests := []struct {
		name     string
		photo    string
		video    string
		wantKind operation.Kind
	}{
		{"missing photo", filepath.Join(f.dir, "missing.jpg"), f.video, operation.KindInputNotFound},
		{"missing video", f.photo, filepath.Join(f.dir, "missing.mov"), operation.KindInputNotFound},
		{"empty photo path", "", f.video, operation.KindInvalidArgument},
		{"photo is directory", f.dir, f.video, operation.KindInputUnreadable},
		{"photo not an image", text, f.video, operation.KindUnsupportedFormat},
		{"video not a movie", f.photo, text, operation.KindUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(f.lib).Insert(context.Background(), tt.photo, tt.video)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, operation.KindOf(err))
		})
	}
	assert.Equal(t, 0, f.count(t))
}

func TestInsert_TransactionFailureLeavesNoAsset(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	blobRoot := filepath.Join(f.dir, "blobs")
	blobs, err := storage.NewLocalStorage(blobRoot)
	require.NoError(t, err)
	catalog := failingCatalog{library.NewMemoryCatalog()}
	lib := library.NewStore(library.NewStaticAuthorizer(library.StatusAuthorized, false), blobs, catalog)

	_, err = New(lib).Insert(context.Background(), f.photo, f.video)
	require.Error(t, err)
	assert.Equal(t, operation.KindLibraryTransactionFailed, operation.KindOf(err))

	n, err := lib.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var files []string
	require.NoError(t, filepath.WalkDir(filepath.Join(blobRoot, "assets"), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	}))
	assert.Empty(t, files, "staged resources must be removed")
}

func TestInsert_Cancelled(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(f.lib).Insert(ctx, f.photo, f.video)
	require.Error(t, err)
	assert.Equal(t, operation.KindExportCancelled, operation.KindOf(err))
	assert.Equal(t, 0, f.count(t))
}

func TestCreateLivePhoto_CompletionOnce(t *testing.T) {
	f := newFixture(t, library.StatusDenied, false)

	var (
		mu    sync.Mutex
		calls []error
	)
	done := make(chan struct{})
	New(f.lib).CreateLivePhoto(context.Background(), f.photo, f.video, func(success bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.False(t, success)
		calls = append(calls, err)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion was not called")
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, operation.KindPermissionDenied, operation.KindOf(calls[0]))
}

func TestInsert_ConcurrentCallsSerialized(t *testing.T) {
	f := newFixture(t, library.StatusAuthorized, false)
	ins := New(f.lib)

	futures := make([]*operation.Future, 0, 3)
	for n := 0; n < 3; n++ {
		futures = append(futures, ins.Start(context.Background(), f.photo, f.video))
	}
	ids := map[string]bool{}
	for _, fut := range futures {
		res := fut.Wait()
		require.NoError(t, res.Err)
		ids[res.Value] = true
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, f.count(t))
}

// tagOnLock tags the photo right after the identifier lock is granted, as
// an insertion that finished while the caller waited would have.
type tagOnLock struct {
	lock.Locker
	photo string
	id    string
}

func (l tagOnLock) Lock(ctx context.Context, key string) (func(), error) {
	unlock, err := l.Locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := imagemeta.TagFile(l.photo, l.id); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

func TestInsert_PhotoTaggedWhileWaitingForLock(t *testing.T) {
	t.Run("different identifier", func(t *testing.T) {
		f := newFixture(t, library.StatusAuthorized, false)
		locker := tagOnLock{Locker: lock.NewMemoryLocker(), photo: f.photo, id: "OTHER-PAIR"}

		_, err := New(f.lib, WithLocker(locker)).Insert(context.Background(), f.photo, f.video)
		require.Error(t, err)
		assert.Equal(t, operation.KindMissingIdentifierMetadata, operation.KindOf(err))
		assert.Equal(t, 0, f.count(t))

		id, err := imagemeta.ReadFile(f.photo)
		require.NoError(t, err)
		assert.Equal(t, "OTHER-PAIR", id.Value, "photo tagged by the other pair must not be retagged")
	})

	t.Run("same identifier", func(t *testing.T) {
		f := newFixture(t, library.StatusAuthorized, false)
		locker := tagOnLock{Locker: lock.NewMemoryLocker(), photo: f.photo, id: testIdentifier}

		_, err := New(f.lib, WithLocker(locker)).Insert(context.Background(), f.photo, f.video)
		require.NoError(t, err)
		assert.Equal(t, 1, f.count(t))
	})
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestS3Storage(t *testing.T, handler http.HandlerFunc) *S3Storage {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	storage, err := NewS3Storage(context.Background(), S3Config{
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Prefix:          "library",
	})
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}
	return storage
}

func TestNewS3Storage(t *testing.T) {
	cfg := S3Config{
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:4566", // LocalStack-like endpoint
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	}

	storage, err := NewS3Storage(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}

	if storage.bucket != cfg.Bucket {
		t.Errorf("bucket = %v, want %v", storage.bucket, cfg.Bucket)
	}
	if storage.region != cfg.Region {
		t.Errorf("region = %v, want %v", storage.region, cfg.Region)
	}

	if _, err := NewS3Storage(context.Background(), S3Config{Region: "us-east-1"}); err == nil {
		t.Error("expected error for missing bucket")
	}
}

func TestS3Storage_Put_MockServer(t *testing.T) {
	storage := newTestS3Storage(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT method, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/test-bucket/library/assets/a/photo.jpg") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		if string(body) != "test content" {
			t.Errorf("unexpected body: %s", string(body))
		}

		w.WriteHeader(http.StatusOK)
	})

	err := storage.Put(context.Background(), "assets/a/photo.jpg", bytes.NewReader([]byte("test content")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestS3Storage_Open_MockServer(t *testing.T) {
	storage := newTestS3Storage(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
			return
		}
		_, _ = w.Write([]byte("video data"))
	})

	r, err := storage.Open(context.Background(), "assets/a/video.mov")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	content, _ := io.ReadAll(r)
	if string(content) != "video data" {
		t.Errorf("got %q, want %q", string(content), "video data")
	}

	if _, err := storage.Open(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestS3Storage_Delete_MockServer(t *testing.T) {
	var calls int
	storage := newTestS3Storage(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if _, ok := r.URL.Query()["delete"]; !ok {
			t.Errorf("expected delete query, got %s", r.URL.RawQuery)
		}
		body, _ := io.ReadAll(r.Body)
		for _, key := range []string{"library/a/photo.jpg", "library/a/video.mov"} {
			if !strings.Contains(string(body), key) {
				t.Errorf("delete body missing %s: %s", key, body)
			}
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><DeleteResult></DeleteResult>`))
	})

	if err := storage.Delete(context.Background(), "a/photo.jpg", "a/video.mov"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err := storage.Delete(context.Background()); err != nil {
		t.Errorf("Delete() with no keys error = %v", err)
	}
}

func TestS3Storage_URL(t *testing.T) {
	storage := &S3Storage{bucket: "test-bucket", region: "us-east-1", prefix: "library"}

	expected := "https://test-bucket.s3.us-east-1.amazonaws.com/library/assets/a/photo.jpg"
	if got := storage.URL("assets/a/photo.jpg"); got != expected {
		t.Errorf("URL() = %v, want %v", got, expected)
	}
}

package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maauso/livephoto-api/internal/quicktime"
)

// skipIfNoFFmpeg skips the test if ffmpeg or ffprobe is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found in PATH, skipping test", bin)
		}
	}
}

// createTestVideo creates a simple test video using ffmpeg.
func createTestVideo(t *testing.T, path string, duration float64) {
	t.Helper()

	// Create a simple video with solid color and silent audio
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=blue:s=64x64:r=30:d=%.1f", duration),
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=44100:cl=mono:d=%.1f", duration),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-c:a", "aac",
		"-shortest",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}
}

func TestNewFFprobe(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"default path", "", "ffprobe"},
		{"custom path", "/usr/local/bin/ffprobe", "/usr/local/bin/ffprobe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewFFprobe(tt.path)
			if p.ffprobePath != tt.expected {
				t.Errorf("ffprobePath = %v, want %v", p.ffprobePath, tt.expected)
			}
		})
	}
}

func TestProbe_Check(t *testing.T) {
	probe := &Probe{
		Duration: 2 * time.Second,
		Tags:     map[string]string{ContentIdentifierTag: "ID-1"},
	}

	tests := []struct {
		name string
		want Expectation
		err  error
	}{
		{"matches", Expectation{Identifier: "ID-1", Duration: 2 * time.Second}, nil},
		{"within tolerance", Expectation{Duration: 2*time.Second + 20*time.Millisecond, Tolerance: 34 * time.Millisecond}, nil},
		{"identifier mismatch", Expectation{Identifier: "ID-2"}, ErrIdentifierMismatch},
		{"duration drift", Expectation{Duration: 3 * time.Second, Tolerance: 34 * time.Millisecond}, ErrDurationDrift},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := probe.Check(tt.want)
			if !errors.Is(err, tt.err) {
				t.Errorf("Check() error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestFFprobe_VerifyRewrittenMovie(t *testing.T) {
	skipIfNoFFmpeg(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "source.mov")
	createTestVideo(t, src, 2.0)

	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	var out bytes.Buffer
	movie, err := quicktime.Rewrite(context.Background(), bytes.NewReader(data), int64(len(data)), &out,
		quicktime.RewriteOptions{ContentIdentifier: "ID-FFPROBE"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	dst := filepath.Join(dir, "live.mov")
	if err := os.WriteFile(dst, out.Bytes(), 0o600); err != nil {
		t.Fatalf("write output: %v", err)
	}

	p := NewFFprobe("")
	srcProbe, err := p.Probe(context.Background(), src)
	if err != nil {
		t.Fatalf("Probe(source) error = %v", err)
	}

	err = p.Verify(context.Background(), dst, Expectation{
		Identifier: "ID-FFPROBE",
		Duration:   srcProbe.Duration,
		Tolerance:  movie.FrameInterval(),
	})
	if err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	dstProbe, err := p.Probe(context.Background(), dst)
	if err != nil {
		t.Fatalf("Probe(output) error = %v", err)
	}
	if len(dstProbe.Streams) != len(srcProbe.Streams)+1 {
		t.Errorf("output has %d streams, want %d", len(dstProbe.Streams), len(srcProbe.Streams)+1)
	}
}

func TestFFprobe_MissingFile(t *testing.T) {
	skipIfNoFFmpeg(t)

	_, err := NewFFprobe("").Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mov"))
	if !errors.Is(err, ErrFFprobeExecution) {
		t.Errorf("Probe() error = %v, want ErrFFprobeExecution", err)
	}
}

func TestFFprobe_Cancelled(t *testing.T) {
	skipIfNoFFmpeg(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFFprobe("").Probe(ctx, "input.mov")
	if err == nil {
		t.Error("expected error when context is cancelled")
	}
}

func TestFFprobeError(t *testing.T) {
	err := &FFprobeError{
		Args:   []string{"-v", "error", "input.mov"},
		Stderr: "input.mov: No such file or directory",
		Err:    fmt.Errorf("exit status 1"),
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "exit status 1") {
		t.Error("Error() should contain underlying error")
	}
	if !strings.Contains(errStr, "No such file or directory") {
		t.Error("Error() should contain stderr")
	}
	if unwrapped := err.Unwrap(); unwrapped == nil || unwrapped.Error() != "exit status 1" {
		t.Errorf("Unwrap() returned wrong error: %v", unwrapped)
	}
	if !errors.Is(err, ErrFFprobeExecution) {
		t.Error("FFprobeError should match ErrFFprobeExecution")
	}
}

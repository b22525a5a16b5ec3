// Package media inspects movies with the ffprobe CLI. It gives an
// independent reading of an exported Live Photo movie: ffprobe parses the
// container with its own demuxer, so a movie it accepts is playable by
// common tooling.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"
)

// Static errors for media verification.
var (
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrIdentifierMismatch is returned when a movie does not carry the expected identifier.
	ErrIdentifierMismatch = errors.New("content identifier mismatch")
	// ErrDurationDrift is returned when a movie's duration differs from the expected one.
	ErrDurationDrift = errors.New("duration outside tolerance")
)

// ContentIdentifierTag is the format tag under which ffprobe reports the
// QuickTime content identifier.
const ContentIdentifierTag = "com.apple.quicktime.content.identifier"

// Stream is one stream reported by ffprobe.
type Stream struct {
	Index     int               `json:"index"`
	CodecType string            `json:"codec_type"`
	CodecTag  string            `json:"codec_tag_string"`
	Tags      map[string]string `json:"tags"`
}

// Probe is the subset of ffprobe output this package uses.
type Probe struct {
	Duration time.Duration
	Tags     map[string]string
	Streams  []Stream
}

type probeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Streams []Stream `json:"streams"`
}

// Expectation describes what a verified movie must satisfy.
type Expectation struct {
	Identifier string
	Duration   time.Duration
	// Tolerance is the allowed duration drift.
	Tolerance time.Duration
}

// FFprobe runs the ffprobe CLI.
type FFprobe struct {
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
}

// NewFFprobe creates a new FFprobe.
// If ffprobePath is empty, it defaults to "ffprobe" (found via PATH).
func NewFFprobe(ffprobePath string) *FFprobe {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFprobe{ffprobePath: ffprobePath}
}

// Available reports whether the ffprobe binary can be found.
func (p *FFprobe) Available() bool {
	_, err := exec.LookPath(p.ffprobePath)
	return err == nil
}

// Probe reads the format and stream information of a media file.
func (p *FFprobe) Probe(ctx context.Context, path string) (*Probe, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	out, err := p.run(ctx, args)
	if err != nil {
		return nil, err
	}

	var raw probeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	probe := &Probe{Tags: raw.Format.Tags, Streams: raw.Streams}
	if raw.Format.Duration != "" {
		seconds, err := strconv.ParseFloat(raw.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("parse duration: %w", err)
		}
		probe.Duration = time.Duration(math.Round(seconds * float64(time.Second)))
	}
	return probe, nil
}

// Verify probes path and checks it against want.
func (p *FFprobe) Verify(ctx context.Context, path string, want Expectation) error {
	probe, err := p.Probe(ctx, path)
	if err != nil {
		return err
	}
	return probe.Check(want)
}

// Check compares a probe result with want.
func (pr *Probe) Check(want Expectation) error {
	if want.Identifier != "" {
		if got := pr.Tags[ContentIdentifierTag]; got != want.Identifier {
			return fmt.Errorf("%w: got %q, want %q", ErrIdentifierMismatch, got, want.Identifier)
		}
	}
	if want.Duration > 0 {
		drift := pr.Duration - want.Duration
		if drift < 0 {
			drift = -drift
		}
		if drift > want.Tolerance {
			return fmt.Errorf("%w: got %s, want %s ± %s", ErrDurationDrift, pr.Duration, want.Duration, want.Tolerance)
		}
	}
	return nil
}

// run executes ffprobe and returns stdout.
func (p *FFprobe) run(ctx context.Context, args []string) ([]byte, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return nil, &FFprobeError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// FFprobeError represents an error from running ffprobe, including the stderr output.
type FFprobeError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFprobeError) Error() string {
	return fmt.Sprintf("ffprobe error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFprobeError) Unwrap() error {
	return e.Err
}

// Is reports ErrFFprobeExecution for every ffprobe failure.
func (e *FFprobeError) Is(target error) bool {
	return target == ErrFFprobeExecution
}

package quicktime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"time"
)

// ErrEmptyIdentifier is returned when Rewrite is called without an identifier.
var ErrEmptyIdentifier = errors.New("quicktime: empty content identifier")

const copyBufferSize = 1 << 20

// RewriteOptions controls the metadata written by Rewrite.
type RewriteOptions struct {
	// ContentIdentifier replaces any existing content identifier.
	ContentIdentifier string
	// StillImageTime is the presentation time of the still image. It is
	// clamped to the last tick of the movie.
	StillImageTime time.Duration
}

// chunkTable is a chunk offset atom of the source movie together with the
// offsets it held before relocation.
type chunkTable struct {
	atom    *atom
	offsets []uint64
}

// Rewrite copies the movie read from src to dst, tagging it with a content
// identifier and a still-image-time metadata track.
//
// Top-level atoms keep their order, so a fast-start movie stays fast-start.
// Media data is copied unchanged; chunk offsets are relocated to match the
// new moov size and the still-image sample is appended in a trailing mdat.
// Previous content identifiers and still-image-time tracks are replaced, so
// rewriting an already tagged movie is safe.
func Rewrite(ctx context.Context, src io.ReaderAt, size int64, dst io.Writer, opts RewriteOptions) (*Movie, error) {
	if opts.ContentIdentifier == "" {
		return nil, ErrEmptyIdentifier
	}

	boxes, err := scanTopLevel(src, size)
	if err != nil {
		return nil, err
	}
	moovIdx, err := findMoov(boxes)
	if err != nil {
		return nil, err
	}
	moov, err := readMoov(src, boxes[moovIdx])
	if err != nil {
		return nil, err
	}
	source, err := parseMovie(moov)
	if err != nil {
		return nil, err
	}
	if source.Timescale == 0 || source.Duration == 0 {
		return nil, fmt.Errorf("%w: zero duration", ErrUnsupportedMovie)
	}

	if err := retag(moov, source, opts); err != nil {
		return nil, err
	}

	sampleStco := findStillImageStco(moov)
	var tables []chunkTable
	for _, a := range append(moov.find("stco"), moov.find("co64")...) {
		if a == sampleStco {
			continue
		}
		offsets, err := readChunkOffsets(a)
		if err != nil {
			return nil, err
		}
		tables = append(tables, chunkTable{atom: a, offsets: offsets})
	}

	plan, err := layout(boxes, moovIdx, moov, tables, sampleStco)
	if err != nil {
		return nil, err
	}

	if err := plan.write(ctx, src, dst, moov.encode()); err != nil {
		return nil, err
	}

	result, err := parseMovie(moov)
	if err != nil {
		return nil, err
	}
	result.FastStart = isFastStart(boxes, moovIdx)
	return result, nil
}

// retag replaces the identifier and still-image track of moov in place.
func retag(moov *atom, source *Movie, opts RewriteOptions) error {
	mvhd := moov.child("mvhd")
	hdr, err := parseMvhd(mvhd.payload)
	if err != nil {
		return err
	}

	kept := moov.children[:0:0]
	maxID := uint32(0)
	for _, c := range moov.children {
		if c.typ == "trak" {
			t, err := parseTrack(c)
			if err != nil {
				return err
			}
			if t.isStillImageTime() {
				continue
			}
			if t.ID > maxID {
				maxID = t.ID
			}
		}
		kept = append(kept, c)
	}
	moov.children = kept

	trackID := hdr.nextTrackID
	if trackID <= maxID {
		trackID = maxID + 1
	}
	if trackID == math.MaxUint32 {
		return fmt.Errorf("%w: no track ID available", ErrUnsupportedMovie)
	}
	payload := append([]byte(nil), mvhd.payload...)
	binary.BigEndian.PutUint32(payload[hdr.nextTrackIDOffset:], trackID+1)
	mvhd.payload = payload

	at := durationToTicks(opts.StillImageTime, source.Timescale)
	if at >= source.Duration {
		at = source.Duration - 1
	}
	if at > math.MaxUint32-1 {
		return fmt.Errorf("%w: still image time out of range", ErrUnsupportedMovie)
	}
	trak := stillImageTrack{id: trackID, timescale: source.Timescale, at: at}.build()

	// The new track follows the last existing one.
	insertAt := len(moov.children)
	for i, c := range moov.children {
		if c.typ == "trak" {
			insertAt = i + 1
		}
	}
	moov.children = append(moov.children[:insertAt], append([]*atom{trak}, moov.children[insertAt:]...)...)

	existing := moov.child("meta")
	var entries []metaEntry
	if existing != nil {
		if entries, err = parseContainerMetadata(existing); err != nil {
			return err
		}
	}
	meta := buildContainerMetadata(existing, mergeContentIdentifier(entries, opts.ContentIdentifier))
	if existing == nil {
		moov.children = append(moov.children, meta)
		return nil
	}
	for i, c := range moov.children {
		if c == existing {
			moov.children[i] = meta
		}
	}
	return nil
}

// durationToTicks converts d to timescale units, saturating at MaxUint64.
func durationToTicks(d time.Duration, timescale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	sec := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	hi, whole := bits.Mul64(sec, uint64(timescale))
	if hi != 0 {
		return math.MaxUint64
	}
	// rem < 1e9 and timescale < 2^32, so the product fits.
	ticks, carry := bits.Add64(whole, rem*uint64(timescale)/uint64(time.Second), 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return ticks
}

// findStillImageStco returns the chunk offset atom of the still-image track.
func findStillImageStco(moov *atom) *atom {
	for _, c := range moov.children {
		if c.typ != "trak" {
			continue
		}
		t, err := parseTrack(c)
		if err != nil || !t.isStillImageTime() {
			continue
		}
		return c.path("mdia", "minf", "stbl", "stco")
	}
	return nil
}

// segment is one top-level atom of the output file.
type segment struct {
	src    topBox
	moov   bool
	start  int64
	header []byte
	// copyHeader is true when the source header is copied verbatim.
	copyHeader bool
}

func (s segment) headerLen() int64 {
	if s.copyHeader {
		return s.src.header
	}
	return int64(len(s.header))
}

type writePlan struct {
	segments []segment
	sample   int64
}

// layout assigns output offsets to every top-level atom and relocates the
// chunk tables until the moov size is stable.
func layout(boxes []topBox, moovIdx int, moov *atom, tables []chunkTable, sampleStco *atom) (*writePlan, error) {
	large := make([]bool, len(tables))
	for i, t := range tables {
		large[i] = t.atom.typ == "co64"
	}
	sampleLarge := false

	for {
		moovSize := int64(moov.size())
		if moovSize > MaxMoovSize {
			return nil, fmt.Errorf("%w: rewritten moov is %d bytes", ErrUnsupportedMovie, moovSize)
		}

		plan := &writePlan{}
		pos := int64(0)
		for i, b := range boxes {
			s := segment{src: b, start: pos}
			switch {
			case i == moovIdx:
				s.moov = true
				pos += moovSize
			case b.open:
				s.header = appendHeader(nil, b.typ, uint64(b.size-b.header))
				pos += int64(len(s.header)) + b.size - b.header
			default:
				s.copyHeader = true
				pos += b.size
			}
			plan.segments = append(plan.segments, s)
		}
		plan.sample = pos + headerSize

		changed := false
		for i, t := range tables {
			relocated := make([]uint64, len(t.offsets))
			for j, o := range t.offsets {
				n, err := plan.relocate(o)
				if err != nil {
					return nil, err
				}
				relocated[j] = n
				if n > math.MaxUint32 && !large[i] {
					large[i] = true
					changed = true
				}
			}
			t.atom.payload = chunkOffsets(large[i], relocated)
			if large[i] {
				t.atom.typ = "co64"
			}
		}

		if sampleStco != nil {
			if uint64(plan.sample) > math.MaxUint32 && !sampleLarge {
				sampleLarge = true
				changed = true
				sampleStco.typ = "co64"
			}
			sampleStco.payload = chunkOffsets(sampleLarge, []uint64{uint64(plan.sample)})
		}

		if !changed && int64(moov.size()) == moovSize {
			return plan, nil
		}
	}
}

// relocate maps a source file offset to the output file.
func (p *writePlan) relocate(offset uint64) (uint64, error) {
	o := int64(offset)
	for _, s := range p.segments {
		if s.moov || o < s.src.payloadStart() || o > s.src.end() {
			continue
		}
		return uint64(s.start + s.headerLen() + (o - s.src.payloadStart())), nil
	}
	return 0, fmt.Errorf("%w: chunk offset %d is outside media data", ErrMalformedAtom, offset)
}

func (p *writePlan) write(ctx context.Context, src io.ReaderAt, dst io.Writer, moov []byte) error {
	buf := make([]byte, copyBufferSize)
	for _, s := range p.segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.moov {
			if _, err := dst.Write(moov); err != nil {
				return fmt.Errorf("write moov: %w", err)
			}
			continue
		}
		from := s.src.offset
		if !s.copyHeader {
			if _, err := dst.Write(s.header); err != nil {
				return fmt.Errorf("write %s header: %w", s.src.typ, err)
			}
			from = s.src.payloadStart()
		}
		if err := copyRange(ctx, dst, src, from, s.src.end()-from, buf); err != nil {
			return fmt.Errorf("copy %s: %w", s.src.typ, err)
		}
	}

	mdat := appendHeader(nil, "mdat", uint64(len(stillImageSample)))
	mdat = append(mdat, stillImageSample...)
	if _, err := dst.Write(mdat); err != nil {
		return fmt.Errorf("write still image sample: %w", err)
	}
	return nil
}

// copyRange copies n bytes starting at off, checking ctx between chunks.
func copyRange(ctx context.Context, dst io.Writer, src io.ReaderAt, off, n int64, buf []byte) error {
	r := io.NewSectionReader(src, off, n)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		read, err := r.Read(buf)
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

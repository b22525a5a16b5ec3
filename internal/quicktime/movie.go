package quicktime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Well-known metadata keys used by Live Photos.
const (
	// KeyContentIdentifier pairs a movie with its still image.
	KeyContentIdentifier = "com.apple.quicktime.content.identifier"
	// KeyStillImageTime marks the sample that corresponds to the still image.
	KeyStillImageTime = "com.apple.quicktime.still-image-time"
)

// Handler types found in mdia/hdlr.
const (
	HandlerVideo    = "vide"
	HandlerAudio    = "soun"
	HandlerMetadata = "meta"
)

// Movie describes a parsed movie atom.
type Movie struct {
	// Timescale is the number of movie time units per second.
	Timescale uint32
	// Duration is the movie duration in Timescale units.
	Duration uint64
	// NextTrackID is the value stored in mvhd.
	NextTrackID uint32
	// Tracks lists every trak in file order.
	Tracks []Track
	// Metadata lists the container-level (moov/meta) items in key order.
	Metadata []MetadataItem
	// FastStart is true when moov precedes the first mdat.
	FastStart bool
}

// Track describes one trak atom.
type Track struct {
	ID             uint32
	Handler        string
	Format         string
	MediaTimescale uint32
	MediaDuration  uint64
	// SampleDelta is the duration of the first run of samples in media units.
	SampleDelta uint32
	// SampleCount is the number of samples declared by stsz.
	SampleCount uint32
	// MetadataKeys lists the keys declared by a timed metadata (mebx) sample entry.
	MetadataKeys []string
}

// MetadataItem is a container-level metadata entry.
type MetadataItem struct {
	Key string
	// DataType is the well-known type of the first value (1 is UTF-8).
	DataType uint32
	// Value is the first value decoded as text when DataType is UTF-8.
	Value string
}

// DurationTime converts the movie duration to a time.Duration.
func (m *Movie) DurationTime() time.Duration {
	if m.Timescale == 0 {
		return 0
	}
	return ticksToDuration(m.Duration, m.Timescale)
}

// ContentIdentifiers returns every content-identifier value in the movie.
func (m *Movie) ContentIdentifiers() []string {
	var ids []string
	for _, item := range m.Metadata {
		if item.Key == KeyContentIdentifier {
			ids = append(ids, item.Value)
		}
	}
	return ids
}

// ContentIdentifier returns the identifier when exactly one is present.
func (m *Movie) ContentIdentifier() (string, bool) {
	ids := m.ContentIdentifiers()
	if len(ids) != 1 || ids[0] == "" {
		return "", false
	}
	return ids[0], true
}

// HasStillImageTime reports whether a timed metadata track declares the
// still-image-time key.
func (m *Movie) HasStillImageTime() bool {
	for _, t := range m.Tracks {
		if t.isStillImageTime() {
			return true
		}
	}
	return false
}

// FrameInterval returns the duration of one frame of the first video track,
// or zero when the movie has no video.
func (m *Movie) FrameInterval() time.Duration {
	for _, t := range m.Tracks {
		if t.Handler == HandlerVideo && t.MediaTimescale > 0 && t.SampleDelta > 0 {
			return ticksToDuration(uint64(t.SampleDelta), t.MediaTimescale)
		}
	}
	return 0
}

// IsLivePhoto reports whether the movie carries both halves of the pairing
// contract: one content identifier and a still-image-time track.
func (m *Movie) IsLivePhoto() bool {
	_, ok := m.ContentIdentifier()
	return ok && m.HasStillImageTime()
}

func (t Track) isStillImageTime() bool {
	if t.Handler != HandlerMetadata {
		return false
	}
	for _, k := range t.MetadataKeys {
		if k == KeyStillImageTime {
			return true
		}
	}
	return false
}

func ticksToDuration(ticks uint64, timescale uint32) time.Duration {
	sec := ticks / uint64(timescale)
	rem := ticks % uint64(timescale)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(timescale)
}

// InspectFile opens path and parses its movie atom.
func InspectFile(path string) (*Movie, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Inspect(f, info.Size())
}

// Inspect parses the movie atom of a container of the given size.
func Inspect(r io.ReaderAt, size int64) (*Movie, error) {
	boxes, err := scanTopLevel(r, size)
	if err != nil {
		return nil, err
	}
	moovIdx, err := findMoov(boxes)
	if err != nil {
		return nil, err
	}
	moov, err := readMoov(r, boxes[moovIdx])
	if err != nil {
		return nil, err
	}
	movie, err := parseMovie(moov)
	if err != nil {
		return nil, err
	}
	movie.FastStart = isFastStart(boxes, moovIdx)
	return movie, nil
}

func findMoov(boxes []topBox) (int, error) {
	idx := -1
	for i, b := range boxes {
		switch b.typ {
		case "moov":
			if idx >= 0 {
				return 0, fmt.Errorf("%w: more than one moov atom", ErrUnsupportedMovie)
			}
			idx = i
		case "moof":
			return 0, fmt.Errorf("%w: fragmented movie", ErrUnsupportedMovie)
		}
	}
	if idx < 0 {
		return 0, ErrNoMovie
	}
	return idx, nil
}

func isFastStart(boxes []topBox, moovIdx int) bool {
	for i, b := range boxes {
		if b.typ == "mdat" {
			return moovIdx < i
		}
	}
	return true
}

func readMoov(r io.ReaderAt, b topBox) (*atom, error) {
	n := b.size - b.header
	if n > MaxMoovSize {
		return nil, fmt.Errorf("%w: moov is %d bytes", ErrUnsupportedMovie, n)
	}
	payload := make([]byte, n)
	if _, err := r.ReadAt(payload, b.payloadStart()); err != nil && !(errors.Is(err, io.EOF) && b.open) {
		return nil, fmt.Errorf("read moov: %w", err)
	}
	moov, err := decodeAtom("moov", payload)
	if err != nil {
		return nil, err
	}
	if moov.child("cmov") != nil {
		return nil, fmt.Errorf("%w: compressed movie header", ErrUnsupportedMovie)
	}
	return moov, nil
}

// parseMovie extracts the descriptive fields of a moov tree.
func parseMovie(moov *atom) (*Movie, error) {
	mvhd := moov.child("mvhd")
	if mvhd == nil {
		return nil, fmt.Errorf("%w: moov has no mvhd", ErrMalformedAtom)
	}
	hdr, err := parseMvhd(mvhd.payload)
	if err != nil {
		return nil, err
	}

	movie := &Movie{
		Timescale:   hdr.timescale,
		Duration:    hdr.duration,
		NextTrackID: hdr.nextTrackID,
	}

	for _, trak := range moov.children {
		if trak.typ != "trak" {
			continue
		}
		track, err := parseTrack(trak)
		if err != nil {
			return nil, err
		}
		movie.Tracks = append(movie.Tracks, track)
	}

	if meta := moov.child("meta"); meta != nil {
		items, err := parseContainerMetadata(meta)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			movie.Metadata = append(movie.Metadata, it.item)
		}
	}
	return movie, nil
}

type mvhdFields struct {
	version     byte
	timescale   uint32
	duration    uint64
	nextTrackID uint32
	// nextTrackIDOffset is the payload offset of next_track_ID.
	nextTrackIDOffset int
}

func parseMvhd(payload []byte) (mvhdFields, error) {
	version, _, _, err := fullBox(payload)
	if err != nil {
		return mvhdFields{}, err
	}
	var f mvhdFields
	f.version = version
	switch version {
	case 0:
		if len(payload) < 100 {
			return f, fmt.Errorf("%w: mvhd v0 is %d bytes", ErrMalformedAtom, len(payload))
		}
		f.timescale = binary.BigEndian.Uint32(payload[12:16])
		f.duration = uint64(binary.BigEndian.Uint32(payload[16:20]))
		f.nextTrackIDOffset = 96
	case 1:
		if len(payload) < 112 {
			return f, fmt.Errorf("%w: mvhd v1 is %d bytes", ErrMalformedAtom, len(payload))
		}
		f.timescale = binary.BigEndian.Uint32(payload[20:24])
		f.duration = binary.BigEndian.Uint64(payload[24:32])
		f.nextTrackIDOffset = 108
	default:
		return f, fmt.Errorf("%w: mvhd version %d", ErrUnsupportedMovie, version)
	}
	f.nextTrackID = binary.BigEndian.Uint32(payload[f.nextTrackIDOffset : f.nextTrackIDOffset+4])
	return f, nil
}

func parseTrack(trak *atom) (Track, error) {
	var t Track

	tkhd := trak.child("tkhd")
	if tkhd == nil {
		return t, fmt.Errorf("%w: trak has no tkhd", ErrMalformedAtom)
	}
	version, _, _, err := fullBox(tkhd.payload)
	if err != nil {
		return t, err
	}
	idOffset := 12
	if version == 1 {
		idOffset = 20
	}
	if len(tkhd.payload) < idOffset+4 {
		return t, fmt.Errorf("%w: tkhd is %d bytes", ErrMalformedAtom, len(tkhd.payload))
	}
	t.ID = binary.BigEndian.Uint32(tkhd.payload[idOffset : idOffset+4])

	if mdhd := trak.path("mdia", "mdhd"); mdhd != nil {
		t.MediaTimescale, t.MediaDuration = parseMdhd(mdhd.payload)
	}
	if hdlr := trak.path("mdia", "hdlr"); hdlr != nil && len(hdlr.payload) >= 12 {
		t.Handler = string(hdlr.payload[8:12])
	}

	stbl := trak.path("mdia", "minf", "stbl")
	if stbl == nil {
		return t, nil
	}
	if stsd := stbl.child("stsd"); stsd != nil && len(stsd.payload) >= 16 {
		t.Format = string(stsd.payload[12:16])
		if t.Format == "mebx" {
			t.MetadataKeys = parseMebxKeys(stsd.payload[8:])
		}
	}
	if stts := stbl.child("stts"); stts != nil && len(stts.payload) >= 16 {
		if binary.BigEndian.Uint32(stts.payload[4:8]) > 0 {
			t.SampleDelta = binary.BigEndian.Uint32(stts.payload[12:16])
		}
	}
	if stsz := stbl.child("stsz"); stsz != nil && len(stsz.payload) >= 12 {
		t.SampleCount = binary.BigEndian.Uint32(stsz.payload[8:12])
	}
	return t, nil
}

func parseMdhd(payload []byte) (timescale uint32, duration uint64) {
	if len(payload) < 4 {
		return 0, 0
	}
	switch payload[0] {
	case 0:
		if len(payload) >= 20 {
			return binary.BigEndian.Uint32(payload[12:16]), uint64(binary.BigEndian.Uint32(payload[16:20]))
		}
	case 1:
		if len(payload) >= 32 {
			return binary.BigEndian.Uint32(payload[20:24]), binary.BigEndian.Uint64(payload[24:32])
		}
	}
	return 0, 0
}

// parseMebxKeys reads the key names from the first sample entry of a timed
// metadata track. entry starts at the sample entry size field.
func parseMebxKeys(entry []byte) []string {
	// size(4) type(4) reserved(6) data_reference_index(2)
	if len(entry) < 16 {
		return nil
	}
	size := int(binary.BigEndian.Uint32(entry[:4]))
	if size < 16 || size > len(entry) {
		return nil
	}
	children, err := parseAtoms(entry[16:size])
	if err != nil {
		return nil
	}
	var keys []string
	for _, c := range children {
		if c.typ != "keys" {
			continue
		}
		entries, err := parseAtoms(c.payload)
		if err != nil {
			return keys
		}
		for _, e := range entries {
			parts, err := parseAtoms(e.payload)
			if err != nil {
				continue
			}
			for _, p := range parts {
				if p.typ == "keyd" && len(p.payload) > 4 {
					keys = append(keys, string(bytes.TrimRight(p.payload[4:], "\x00")))
				}
			}
		}
	}
	return keys
}

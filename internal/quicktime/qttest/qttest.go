// Package qttest builds small QuickTime movies for tests.
package qttest

import (
	"encoding/binary"
	"os"
	"testing"
)

// Media is the sample data written into the movie's mdat.
var Media = []byte("qttest-video-sample-data")

// Options describes the generated movie.
type Options struct {
	// Timescale defaults to 600.
	Timescale uint32
	// Duration in Timescale units, defaults to 2 seconds.
	Duration uint32
	// FrameDelta is the duration of one frame, defaults to 1/30 s.
	FrameDelta uint32
	// FastStart places moov before mdat.
	FastStart bool
	// LeadingAtom is the type of the first atom, defaults to "ftyp". Classic
	// QuickTime files often start with "wide" instead.
	LeadingAtom string
}

func (o Options) withDefaults() Options {
	if o.Timescale == 0 {
		o.Timescale = 600
	}
	if o.Duration == 0 {
		o.Duration = 2 * o.Timescale
	}
	if o.FrameDelta == 0 {
		o.FrameDelta = o.Timescale / 30
	}
	if o.LeadingAtom == "" {
		o.LeadingAtom = "ftyp"
	}
	return o
}

func box(typ string, parts ...[]byte) []byte {
	n := 8
	for _, p := range parts {
		n += len(p)
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, n), uint32(n))
	out = append(out, typ...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u32(vals ...uint32) []byte {
	out := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

func matrix() []byte {
	return u32(0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000)
}

func moov(o Options, chunkOffset uint32) []byte {
	mvhd := box("mvhd",
		u32(0, 0, 0, o.Timescale, o.Duration, 0x00010000),
		[]byte{1, 0}, make([]byte, 10), matrix(), make([]byte, 24), u32(2))

	tkhd := box("tkhd",
		u32(1, 0, 0, 1, 0, o.Duration), make([]byte, 8),
		make([]byte, 8), matrix(), u32(64<<16, 64<<16))

	mdhd := box("mdhd", u32(0, 0, 0, o.Timescale, o.Duration), []byte{0x55, 0xc4, 0, 0})
	hdlr := box("hdlr", u32(0), []byte("mhlrvide"), make([]byte, 13))

	entry := box("avc1", make([]byte, 6), []byte{0, 1})
	stsd := box("stsd", u32(0, 1), entry)
	samples := o.Duration / o.FrameDelta
	stbl := box("stbl",
		stsd,
		box("stts", u32(0, 1, samples, o.FrameDelta)),
		box("stsc", u32(0, 1, 1, samples, 1)),
		box("stsz", u32(0, 0, 0)),
		box("stco", u32(0, 1, chunkOffset)),
	)
	minf := box("minf", box("vmhd", u32(1, 0, 0)), stbl)
	trak := box("trak", tkhd, box("mdia", mdhd, hdlr, minf))
	return box("moov", mvhd, trak)
}

// Movie returns an encoded movie with one video track whose chunk points at
// Media.
func Movie(opts Options) []byte {
	o := opts.withDefaults()
	ftyp := box(o.LeadingAtom, []byte("qt  "), u32(0), []byte("qt  "))
	mdat := box("mdat", Media)

	if !o.FastStart {
		m := moov(o, uint32(len(ftyp)+8))
		return append(append(ftyp, mdat...), m...)
	}
	size := len(moov(o, 0))
	m := moov(o, uint32(len(ftyp)+size+8))
	return append(append(ftyp, m...), mdat...)
}

// WriteMovie writes Movie(opts) to path.
func WriteMovie(t testing.TB, path string, opts Options) {
	t.Helper()
	if err := os.WriteFile(path, Movie(opts), 0o600); err != nil {
		t.Fatalf("write movie: %v", err)
	}
}

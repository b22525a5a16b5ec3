package quicktime

import (
	"encoding/binary"
)

var (
	chunkOne = []byte("first-chunk-of-video-data")
	chunkTwo = []byte("second-chunk-of-video-data")
)

// fixture describes a synthetic movie for tests.
type fixture struct {
	fastStart  bool
	co64       bool
	openMdat   bool
	fragmented bool
	// zeroDuration writes a movie header with no duration.
	zeroDuration bool
	duration     uint32
	meta         []metaEntry
	extraTrak    *atom
}

const fixtureTimescale = 600

func mvhdPayload(timescale, duration, nextTrackID uint32) []byte {
	p := make([]byte, 0, 100)
	p = binary.BigEndian.AppendUint32(p, 0)
	p = binary.BigEndian.AppendUint32(p, 0)
	p = binary.BigEndian.AppendUint32(p, 0)
	p = binary.BigEndian.AppendUint32(p, timescale)
	p = binary.BigEndian.AppendUint32(p, duration)
	p = binary.BigEndian.AppendUint32(p, fixedOne)
	p = binary.BigEndian.AppendUint16(p, 0x0100)
	p = append(p, make([]byte, 10)...)
	p = appendIdentityMatrix(p)
	p = append(p, make([]byte, 24)...)
	return binary.BigEndian.AppendUint32(p, nextTrackID)
}

func videoTrak(id, duration uint32, large bool) (*atom, *atom) {
	tkhd := stillImageTrack{id: id, at: uint64(duration) - 1}.trackHeader()

	stsd := fullBoxPayload(1)
	entry := make([]byte, 16)
	binary.BigEndian.PutUint32(entry[:4], 16)
	copy(entry[4:8], "avc1")
	binary.BigEndian.PutUint16(entry[14:16], 1)
	stsd = append(stsd, entry...)

	offsets := newLeaf("stco", chunkOffsets(false, []uint64{0, 0}))
	if large {
		offsets = newLeaf("co64", chunkOffsets(true, []uint64{0, 0}))
	}

	hdlr := make([]byte, 0, 25)
	hdlr = binary.BigEndian.AppendUint32(hdlr, 0)
	hdlr = append(hdlr, "mhlr"...)
	hdlr = append(hdlr, HandlerVideo...)
	hdlr = append(hdlr, make([]byte, 13)...)

	mdhd := stillImageTrack{timescale: fixtureTimescale}.mediaHeader()
	binary.BigEndian.PutUint32(mdhd[16:20], duration)

	trak := newContainer("trak",
		newLeaf("tkhd", tkhd),
		newContainer("mdia",
			newLeaf("mdhd", mdhd),
			newLeaf("hdlr", hdlr),
			newContainer("minf",
				newLeaf("vmhd", fullBoxPayload(0, 0)),
				newContainer("stbl",
					newLeaf("stsd", stsd),
					newLeaf("stts", fullBoxPayload(1, duration/20, 20)),
					newLeaf("stsc", fullBoxPayload(1, 1, duration/40, 1)),
					newLeaf("stsz", fullBoxPayload(0, 0)),
					offsets,
				),
			),
		),
	)
	return trak, offsets
}

// build encodes the fixture. Chunk offsets point at chunkOne and chunkTwo.
func (f fixture) build() []byte {
	duration := f.duration
	switch {
	case f.zeroDuration:
		duration = 0
	case duration == 0:
		duration = 1200
	}

	ftyp := newLeaf("ftyp", []byte("qt  \x00\x00\x00\x00qt  ")).encode()

	trak, offsets := videoTrak(1, max(duration, 40), f.co64)
	moov := newContainer("moov", newLeaf("mvhd", mvhdPayload(fixtureTimescale, duration, 2)), trak)
	if f.extraTrak != nil {
		moov.children = append(moov.children, f.extraTrak)
	}
	if f.meta != nil {
		moov.children = append(moov.children, buildContainerMetadata(nil, f.meta))
	}

	mediaStart := int64(len(ftyp)) + headerSize
	if f.fastStart {
		mediaStart += int64(moov.size())
	}
	offsets.payload = chunkOffsets(f.co64, []uint64{
		uint64(mediaStart),
		uint64(mediaStart) + uint64(len(chunkOne)),
	})

	media := append(append([]byte(nil), chunkOne...), chunkTwo...)
	var mdat []byte
	if f.openMdat {
		mdat = append([]byte{0, 0, 0, 0, 'm', 'd', 'a', 't'}, media...)
	} else {
		mdat = newLeaf("mdat", media).encode()
	}

	out := append([]byte(nil), ftyp...)
	if f.fastStart {
		out = append(out, moov.encode()...)
		out = append(out, mdat...)
	} else {
		out = append(out, mdat...)
		out = append(out, moov.encode()...)
	}
	if f.fragmented {
		out = append(out, newContainer("moof", newLeaf("mfhd", fullBoxPayload(1))).encode()...)
	}
	return out
}

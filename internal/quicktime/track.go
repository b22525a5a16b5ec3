package quicktime

import (
	"encoding/binary"
)

// stillImageSample is the single sample of the still-image-time track: a
// 9-byte item for local key 1 holding the int8 value -1.
var stillImageSample = []byte{0, 0, 0, 9, 0, 0, 0, 1, 0xFF}

const (
	languageUndetermined = 0x55c4
	trackEnabled         = 0x000001
	fixedOne             = 0x00010000
)

// stillImageTrack describes the timed metadata track to append.
type stillImageTrack struct {
	id        uint32
	timescale uint32
	// at is the presentation time of the sample in timescale units.
	at uint64
}

// build returns the trak atom. Its chunk offset is patched once the layout
// of the output file is known.
func (s stillImageTrack) build() *atom {
	stbl := newContainer("stbl",
		newLeaf("stsd", mebxSampleDescription()),
		newLeaf("stts", fullBoxPayload(1, 1, 1)),    // one sample lasting one tick
		newLeaf("stsc", fullBoxPayload(1, 1, 1, 1)), // one chunk of one sample
		newLeaf("stsz", fullBoxPayload(0, 1, uint32(len(stillImageSample)))),
		newLeaf("stco", chunkOffsets(false, []uint64{0})),
	)

	dref := fullBoxPayload(1)
	dref = newLeaf("url ", []byte{0, 0, 0, 1}).appendTo(dref) // self-contained

	minf := newContainer("minf",
		newLeaf("nmhd", fullBoxPayload()),
		newContainer("dinf", newLeaf("dref", dref)),
		stbl,
	)

	mdia := newContainer("mdia",
		newLeaf("mdhd", s.mediaHeader()),
		newLeaf("hdlr", metadataHandler()),
		minf,
	)

	trak := newContainer("trak", newLeaf("tkhd", s.trackHeader()))
	if s.at > 0 {
		trak.children = append(trak.children, newContainer("edts", newLeaf("elst", s.editList())))
	}
	trak.children = append(trak.children, mdia)
	return trak
}

func (s stillImageTrack) trackHeader() []byte {
	p := make([]byte, 0, 84)
	p = binary.BigEndian.AppendUint32(p, trackEnabled) // version 0
	p = binary.BigEndian.AppendUint32(p, 0)            // creation time
	p = binary.BigEndian.AppendUint32(p, 0)            // modification time
	p = binary.BigEndian.AppendUint32(p, s.id)
	p = binary.BigEndian.AppendUint32(p, 0) // reserved
	p = binary.BigEndian.AppendUint32(p, uint32(s.at+1))
	p = append(p, make([]byte, 8)...)       // reserved
	p = binary.BigEndian.AppendUint16(p, 0) // layer
	p = binary.BigEndian.AppendUint16(p, 0) // alternate group
	p = binary.BigEndian.AppendUint16(p, 0) // volume
	p = binary.BigEndian.AppendUint16(p, 0) // reserved
	p = appendIdentityMatrix(p)
	p = binary.BigEndian.AppendUint32(p, 0) // width
	return binary.BigEndian.AppendUint32(p, 0)
}

func appendIdentityMatrix(p []byte) []byte {
	for _, v := range []uint32{fixedOne, 0, 0, 0, fixedOne, 0, 0, 0, 0x40000000} {
		p = binary.BigEndian.AppendUint32(p, v)
	}
	return p
}

// editList delays the sample to s.at with an empty edit.
func (s stillImageTrack) editList() []byte {
	p := fullBoxPayload(2)
	p = binary.BigEndian.AppendUint32(p, uint32(s.at))
	p = binary.BigEndian.AppendUint32(p, 0xFFFFFFFF) // media time -1: empty
	p = binary.BigEndian.AppendUint32(p, fixedOne)
	p = binary.BigEndian.AppendUint32(p, 1)
	p = binary.BigEndian.AppendUint32(p, 0)
	return binary.BigEndian.AppendUint32(p, fixedOne)
}

func (s stillImageTrack) mediaHeader() []byte {
	p := make([]byte, 0, 24)
	p = binary.BigEndian.AppendUint32(p, 0) // version 0
	p = binary.BigEndian.AppendUint32(p, 0)
	p = binary.BigEndian.AppendUint32(p, 0)
	p = binary.BigEndian.AppendUint32(p, s.timescale)
	p = binary.BigEndian.AppendUint32(p, 1)
	p = binary.BigEndian.AppendUint16(p, languageUndetermined)
	return binary.BigEndian.AppendUint16(p, 0)
}

func metadataHandler() []byte {
	p := make([]byte, 0, 25)
	p = binary.BigEndian.AppendUint32(p, 0)
	p = append(p, "mhlr"...)
	p = append(p, HandlerMetadata...)
	p = append(p, make([]byte, 12)...)
	return append(p, 0)
}

// mebxSampleDescription declares one key, still-image-time, as int8.
func mebxSampleDescription() []byte {
	keyd := make([]byte, 0, 4+len(KeyStillImageTime))
	keyd = append(keyd, keyNamespaceMdta...)
	keyd = append(keyd, KeyStillImageTime...)

	dtyp := make([]byte, 0, 8)
	dtyp = binary.BigEndian.AppendUint32(dtyp, 0) // well-known types
	dtyp = binary.BigEndian.AppendUint32(dtyp, dataTypeInt8)

	var local [4]byte
	binary.BigEndian.PutUint32(local[:], 1)
	keys := newContainer("keys",
		newContainer(string(local[:]), newLeaf("keyd", keyd), newLeaf("dtyp", dtyp)),
	)

	entry := make([]byte, 8, 64)
	entry = append(entry, make([]byte, 6)...)       // reserved
	entry = binary.BigEndian.AppendUint16(entry, 1) // data reference index
	entry = keys.appendTo(entry)
	binary.BigEndian.PutUint32(entry[:4], uint32(len(entry)))
	copy(entry[4:8], "mebx")

	return append(fullBoxPayload(1), entry...)
}

// fullBoxPayload returns version 0 and zero flags followed by fields.
func fullBoxPayload(fields ...uint32) []byte {
	p := make([]byte, 4, 4+4*len(fields))
	for _, f := range fields {
		p = binary.BigEndian.AppendUint32(p, f)
	}
	return p
}

// chunkOffsets encodes an stco (32-bit) or co64 (64-bit) payload.
func chunkOffsets(large bool, offsets []uint64) []byte {
	width := 4
	if large {
		width = 8
	}
	p := make([]byte, 8, 8+width*len(offsets))
	binary.BigEndian.PutUint32(p[4:8], uint32(len(offsets)))
	for _, o := range offsets {
		if large {
			p = binary.BigEndian.AppendUint64(p, o)
		} else {
			p = binary.BigEndian.AppendUint32(p, uint32(o))
		}
	}
	return p
}

// readChunkOffsets decodes an stco or co64 payload.
func readChunkOffsets(a *atom) ([]uint64, error) {
	_, _, body, err := fullBox(a.payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, errMalformed(a.typ, "missing entry count")
	}
	count := uint64(binary.BigEndian.Uint32(body[:4]))
	body = body[4:]
	width := uint64(4)
	if a.typ == "co64" {
		width = 8
	}
	if uint64(len(body)) < count*width {
		return nil, errMalformed(a.typ, "entry table truncated")
	}
	out := make([]uint64, count)
	for i := range out {
		if width == 8 {
			out[i] = binary.BigEndian.Uint64(body[i*8:])
		} else {
			out[i] = uint64(binary.BigEndian.Uint32(body[i*4:]))
		}
	}
	return out, nil
}

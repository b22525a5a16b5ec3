// Package imagemeta reads and writes the asset identifier that pairs a still
// image with its Live Photo movie.
//
// Identifiers are written to the Apple MakerNote (tag 0x0011) of the EXIF
// block, where photo libraries look for them, and mirrored in an XMP
// property. Reads prefer the XMP property and fall back to the MakerNote.
package imagemeta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotJPEG is returned for data that does not start with a JPEG SOI marker.
	ErrNotJPEG = errors.New("imagemeta: not a JPEG image")
	// ErrMalformedJPEG is returned when a marker segment is truncated.
	ErrMalformedJPEG = errors.New("imagemeta: malformed JPEG")
	// ErrSegmentTooLarge is returned when an EXIF block or XMP packet does not
	// fit in one APP1 segment.
	ErrSegmentTooLarge = errors.New("imagemeta: metadata exceeds segment size")
)

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP0 = 0xE0
	markerAPP1 = 0xE1

	maxSegmentPayload = 0xFFFF - 2
)

var (
	exifHeader = []byte("Exif\x00\x00")
	xmpHeader  = []byte("http://ns.adobe.com/xap/1.0/\x00")
)

// segment is a marker segment in the header of a JPEG file.
type segment struct {
	marker byte
	start  int
	end    int
	// payload excludes the marker and length bytes.
	payload []byte
}

func (s segment) hasPrefix(p []byte) bool {
	return len(s.payload) >= len(p) && string(s.payload[:len(p)]) == string(p)
}

func (s segment) isXMP() bool  { return s.marker == markerAPP1 && s.hasPrefix(xmpHeader) }
func (s segment) isExif() bool { return s.marker == markerAPP1 && s.hasPrefix(exifHeader) }

// scanSegments lists the marker segments preceding the image data. body is
// the offset of the first byte not covered by a segment (normally the SOS
// marker).
func scanSegments(data []byte) (segs []segment, body int, err error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, 0, ErrNotJPEG
	}

	pos := 2
	for pos < len(data) {
		if data[pos] != 0xFF {
			return nil, 0, fmt.Errorf("%w: expected marker at offset %d", ErrMalformedJPEG, pos)
		}
		// Markers may be preceded by fill bytes.
		start := pos
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			return nil, 0, fmt.Errorf("%w: truncated marker", ErrMalformedJPEG)
		}
		marker := data[pos]
		pos++

		switch {
		case marker == markerSOS || marker == markerEOI:
			return segs, start, nil
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			continue
		}

		if pos+2 > len(data) {
			return nil, 0, fmt.Errorf("%w: truncated length for marker %#x", ErrMalformedJPEG, marker)
		}
		length := int(binary.BigEndian.Uint16(data[pos:]))
		if length < 2 || pos+length > len(data) {
			return nil, 0, fmt.Errorf("%w: marker %#x declares %d bytes", ErrMalformedJPEG, marker, length)
		}
		segs = append(segs, segment{
			marker:  marker,
			start:   start,
			end:     pos + length,
			payload: data[pos+2 : pos+length],
		})
		pos += length
	}
	return segs, len(data), nil
}

func appendSegment(out []byte, marker byte, payload []byte) []byte {
	out = append(out, 0xFF, marker)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)+2))
	return append(out, payload...)
}

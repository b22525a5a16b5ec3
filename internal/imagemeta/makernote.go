package imagemeta

import (
	"bytes"
	"encoding/binary"

	"github.com/rwcarlsen/goexif/exif"
)

const appleContentIdentifierTag = 0x0011

var appleMakerNoteHeader = []byte("Apple iOS\x00")

// readMakerNote returns the content identifier of an Apple MakerNote, or ""
// when the image has no EXIF block or the MakerNote is not Apple's.
func readMakerNote(data []byte) string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	tag, err := x.Get(exif.MakerNote)
	if err != nil {
		return ""
	}
	return parseAppleMakerNote(tag.Val)
}

// parseAppleMakerNote walks the IFD of an Apple MakerNote. Value offsets are
// relative to the start of the MakerNote.
func parseAppleMakerNote(note []byte) string {
	// header(10) version(2) byte order(2) IFD
	if len(note) < 16 || !bytes.HasPrefix(note, appleMakerNoteHeader) {
		return ""
	}
	var order binary.ByteOrder
	switch string(note[12:14]) {
	case "MM":
		order = binary.BigEndian
	case "II":
		order = binary.LittleEndian
	default:
		return ""
	}

	count := int(order.Uint16(note[14:16]))
	for i := 0; i < count; i++ {
		e := 16 + i*12
		if e+12 > len(note) {
			return ""
		}
		if order.Uint16(note[e:]) != appleContentIdentifierTag || order.Uint16(note[e+2:]) != 2 {
			continue
		}
		n := int(order.Uint32(note[e+4:]))
		var val []byte
		if n <= 4 {
			val = note[e+8 : e+8+n]
		} else {
			off := int(order.Uint32(note[e+8:]))
			if off < 0 || off+n > len(note) {
				return ""
			}
			val = note[off : off+n]
		}
		return string(bytes.TrimRight(val, "\x00"))
	}
	return ""
}

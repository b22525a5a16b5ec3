package imagemeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedExif is returned when an existing EXIF block cannot be updated.
var ErrMalformedExif = errors.New("imagemeta: malformed EXIF")

const (
	tagExifIFD   = 0x8769
	tagMakerNote = 0x927C

	typeASCII     = 2
	typeLong      = 4
	typeUndefined = 7

	ifdEntrySize = 12
)

// byteOrder is a binary.ByteOrder that can also append encoded values.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// typeSizes is the byte size of one value of each TIFF field type.
var typeSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8, 13: 4,
}

// ifdEntry is one directory entry. value holds the raw value or offset field
// in the byte order of the enclosing structure.
type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value [4]byte
}

func (e ifdEntry) size() (int, bool) {
	n, ok := typeSizes[e.typ]
	if !ok {
		return 0, false
	}
	return n * int(e.count), true
}

func readIFD(order binary.ByteOrder, buf []byte, off uint32) ([]ifdEntry, uint32, error) {
	start := int(off)
	if off == 0 || start+2 > len(buf) {
		return nil, 0, fmt.Errorf("%w: IFD offset %d", ErrMalformedExif, off)
	}
	n := int(order.Uint16(buf[start:]))
	end := start + 2 + n*ifdEntrySize
	if end+4 > len(buf) {
		return nil, 0, fmt.Errorf("%w: IFD at %d is truncated", ErrMalformedExif, off)
	}
	entries := make([]ifdEntry, n)
	for i := range entries {
		p := start + 2 + i*ifdEntrySize
		entries[i] = ifdEntry{
			tag:   order.Uint16(buf[p:]),
			typ:   order.Uint16(buf[p+2:]),
			count: order.Uint32(buf[p+4:]),
		}
		copy(entries[i].value[:], buf[p+8:p+12])
	}
	return entries, order.Uint32(buf[end:]), nil
}

func appendIFD(out []byte, order byteOrder, entries []ifdEntry, next uint32) []byte {
	out = order.AppendUint16(out, uint16(len(entries)))
	for _, e := range entries {
		out = order.AppendUint16(out, e.tag)
		out = order.AppendUint16(out, e.typ)
		out = order.AppendUint32(out, e.count)
		out = append(out, e.value[:]...)
	}
	return order.AppendUint32(out, next)
}

// setEntry replaces the entry with e.tag or inserts e in tag order.
func setEntry(entries []ifdEntry, e ifdEntry) []ifdEntry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].tag >= e.tag })
	if i < len(entries) && entries[i].tag == e.tag {
		entries[i] = e
		return entries
	}
	entries = append(entries, ifdEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func findEntry(entries []ifdEntry, tag uint16) (ifdEntry, bool) {
	for _, e := range entries {
		if e.tag == tag {
			return e, true
		}
	}
	return ifdEntry{}, false
}

func offsetValue(order binary.ByteOrder, off uint32) [4]byte {
	var v [4]byte
	order.PutUint32(v[:], off)
	return v
}

func pad(b []byte) []byte {
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

// emptyTIFF is a big-endian TIFF header followed by an empty IFD0.
func emptyTIFF() []byte {
	return []byte{'M', 'M', 0, 0x2a, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0}
}

// setMakerNoteIdentifier returns a copy of a TIFF block whose Apple MakerNote
// carries id. Existing data is never moved: the new MakerNote, EXIF IFD and
// IFD0 are appended and the header is pointed at the new IFD0, so every
// offset in the original block stays valid.
func setMakerNoteIdentifier(tiff []byte, id string) ([]byte, error) {
	if len(tiff) < 8 {
		return nil, fmt.Errorf("%w: short TIFF header", ErrMalformedExif)
	}
	var order byteOrder
	switch string(tiff[:2]) {
	case "MM":
		order = binary.BigEndian
	case "II":
		order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("%w: byte order %q", ErrMalformedExif, tiff[:2])
	}
	if order.Uint16(tiff[2:]) != 0x2a {
		return nil, fmt.Errorf("%w: bad TIFF magic", ErrMalformedExif)
	}

	ifd0, next0, err := readIFD(order, tiff, order.Uint32(tiff[4:]))
	if err != nil {
		return nil, err
	}
	var exifIFD []ifdEntry
	var exifNext uint32
	if ptr, ok := findEntry(ifd0, tagExifIFD); ok {
		exifIFD, exifNext, err = readIFD(order, tiff, order.Uint32(ptr.value[:]))
		if err != nil {
			return nil, err
		}
	}

	var oldNote []byte
	if e, ok := findEntry(exifIFD, tagMakerNote); ok {
		oldNote = entryBytes(order, tiff, e)
	}
	note := appleNoteWithIdentifier(oldNote, id)

	out := pad(append([]byte(nil), tiff...))
	noteOff := uint32(len(out))
	out = pad(append(out, note...))
	exifIFD = setEntry(exifIFD, ifdEntry{
		tag: tagMakerNote, typ: typeUndefined, count: uint32(len(note)), value: offsetValue(order, noteOff),
	})

	exifOff := uint32(len(out))
	out = appendIFD(out, order, exifIFD, exifNext)
	ifd0 = setEntry(ifd0, ifdEntry{
		tag: tagExifIFD, typ: typeLong, count: 1, value: offsetValue(order, exifOff),
	})

	ifd0Off := uint32(len(out))
	out = appendIFD(out, order, ifd0, next0)
	order.PutUint32(out[4:], ifd0Off)
	return out, nil
}

// entryBytes returns the value bytes of e, or nil if they are out of range.
func entryBytes(order binary.ByteOrder, buf []byte, e ifdEntry) []byte {
	n, ok := e.size()
	if !ok {
		return nil
	}
	if n <= 4 {
		return e.value[:n]
	}
	off := int(order.Uint32(e.value[:]))
	if off < 0 || off+n > len(buf) {
		return nil
	}
	return buf[off : off+n]
}

// appleNoteWithIdentifier returns an Apple MakerNote carrying id in tag
// 0x0011. Other entries of an existing Apple note are kept; any other maker
// note is replaced.
func appleNoteWithIdentifier(note []byte, id string) []byte {
	if out, ok := editAppleNote(note, id); ok {
		return out
	}
	value := append([]byte(id), 0)

	out := append([]byte(nil), appleMakerNoteHeader...)
	out = append(out, 0, 1, 'M', 'M')
	entry := ifdEntry{tag: appleContentIdentifierTag, typ: typeASCII, count: uint32(len(value))}
	if len(value) <= 4 {
		copy(entry.value[:], value)
		return appendIFD(out, binary.BigEndian, []ifdEntry{entry}, 0)
	}
	// header(14) + count + one entry + next IFD offset
	entry.value = offsetValue(binary.BigEndian, uint32(len(out)+2+ifdEntrySize+4))
	out = appendIFD(out, binary.BigEndian, []ifdEntry{entry}, 0)
	return append(out, value...)
}

// editAppleNote sets tag 0x0011 in an existing Apple MakerNote. Offsets in
// the note are relative to its start, so entries keep pointing at their
// data as long as values behind an inserted entry are shifted.
func editAppleNote(note []byte, id string) ([]byte, bool) {
	if len(note) < 16 || !bytes.HasPrefix(note, appleMakerNoteHeader) {
		return nil, false
	}
	var order byteOrder
	switch string(note[12:14]) {
	case "MM":
		order = binary.BigEndian
	case "II":
		order = binary.LittleEndian
	default:
		return nil, false
	}
	// Not every Apple note ends its IFD with a next-IFD offset, so the
	// entries are parsed here rather than with readIFD.
	count := int(order.Uint16(note[14:16]))
	entriesEnd := 16 + count*ifdEntrySize
	if entriesEnd > len(note) {
		return nil, false
	}
	entries := make([]ifdEntry, count)
	for i := range entries {
		p := 16 + i*ifdEntrySize
		entries[i] = ifdEntry{
			tag:   order.Uint16(note[p:]),
			typ:   order.Uint16(note[p+2:]),
			count: order.Uint32(note[p+4:]),
		}
		copy(entries[i].value[:], note[p+8:p+12])
		if _, ok := entries[i].size(); !ok {
			return nil, false
		}
	}

	_, exists := findEntry(entries, appleContentIdentifierTag)
	shift := 0
	if !exists {
		shift = ifdEntrySize
		for i, e := range entries {
			if n, _ := e.size(); n > 4 {
				off := order.Uint32(e.value[:])
				if int(off) >= entriesEnd {
					entries[i].value = offsetValue(order, off+uint32(shift))
				}
			}
		}
	}

	value := append([]byte(id), 0)
	entry := ifdEntry{tag: appleContentIdentifierTag, typ: typeASCII, count: uint32(len(value))}
	tail := note[entriesEnd:]
	valueOff := 16 + len(entries)*ifdEntrySize + shift + len(tail)
	valueOff += valueOff % 2
	if len(value) <= 4 {
		copy(entry.value[:], value)
	} else {
		entry.value = offsetValue(order, uint32(valueOff))
	}
	entries = setEntry(entries, entry)

	out := append([]byte(nil), note[:14]...)
	out = order.AppendUint16(out, uint16(len(entries)))
	for _, e := range entries {
		out = order.AppendUint16(out, e.tag)
		out = order.AppendUint16(out, e.typ)
		out = order.AppendUint32(out, e.count)
		out = append(out, e.value[:]...)
	}
	out = pad(append(out, tail...))
	if len(value) > 4 {
		out = append(out, value...)
	}
	return out, true
}

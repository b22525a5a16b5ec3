// Package quicktime reads and rewrites QuickTime (MOV) and ISO base media
// (MP4) containers.
//
// A file is a sequence of atoms. Each atom starts with a 32-bit big-endian
// size and a four-character type; a size of 1 means a 64-bit size follows
// the type and a size of 0 means the atom extends to the end of the file.
// The "moov" atom holds every track description, and the sample tables
// inside it point into "mdat" atoms by absolute file offset ("stco" and
// "co64"). Rewrite relies on that: media data is copied byte for byte and
// only the offsets are relocated.
package quicktime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Static errors for container parsing.
var (
	// ErrMalformedAtom is returned when an atom header or payload is inconsistent.
	ErrMalformedAtom = errors.New("quicktime: malformed atom")
	// ErrUnsupportedMovie is returned for containers this package cannot rewrite,
	// such as fragmented or compressed movies.
	ErrUnsupportedMovie = errors.New("quicktime: unsupported movie")
	// ErrNoMovie is returned when the file has no moov atom.
	ErrNoMovie = errors.New("quicktime: no moov atom")
)

const (
	headerSize      = 8
	largeHeaderSize = 16

	// MaxMoovSize bounds the movie atom loaded into memory.
	MaxMoovSize = 256 * 1024 * 1024
)

// containerTypes lists atoms whose payload is a sequence of child atoms.
var containerTypes = map[string]bool{
	"moov": true,
	"trak": true,
	"mdia": true,
	"minf": true,
	"stbl": true,
	"dinf": true,
	"edts": true,
	"meta": true,
	"ilst": true,
}

// atom is an in-memory node of the moov tree.
// Leaves keep their payload; containers keep an optional prefix (the
// version and flags of a full-box container such as "meta") and children.
type atom struct {
	typ      string
	payload  []byte
	prefix   []byte
	children []*atom
}

func (a *atom) isContainer() bool {
	return a.children != nil
}

// child returns the first direct child of type typ.
func (a *atom) child(typ string) *atom {
	for _, c := range a.children {
		if c.typ == typ {
			return c
		}
	}
	return nil
}

// path walks nested children, e.g. path("mdia", "minf", "stbl").
func (a *atom) path(types ...string) *atom {
	cur := a
	for _, t := range types {
		if cur == nil {
			return nil
		}
		cur = cur.child(t)
	}
	return cur
}

// find returns every descendant of type typ, depth first.
func (a *atom) find(typ string) []*atom {
	var out []*atom
	for _, c := range a.children {
		if c.typ == typ {
			out = append(out, c)
		}
		out = append(out, c.find(typ)...)
	}
	return out
}

// size returns the encoded size of the atom including its header.
func (a *atom) size() uint64 {
	body := a.bodySize()
	if body+headerSize > math.MaxUint32 {
		return body + largeHeaderSize
	}
	return body + headerSize
}

func (a *atom) bodySize() uint64 {
	if !a.isContainer() {
		return uint64(len(a.payload))
	}
	n := uint64(len(a.prefix))
	for _, c := range a.children {
		n += c.size()
	}
	return n
}

// encode serializes the atom and its children.
func (a *atom) encode() []byte {
	out := make([]byte, 0, a.size())
	return a.appendTo(out)
}

func (a *atom) appendTo(out []byte) []byte {
	out = appendHeader(out, a.typ, a.bodySize())
	if !a.isContainer() {
		return append(out, a.payload...)
	}
	out = append(out, a.prefix...)
	for _, c := range a.children {
		out = c.appendTo(out)
	}
	return out
}

func appendHeader(out []byte, typ string, body uint64) []byte {
	if body+headerSize > math.MaxUint32 {
		out = binary.BigEndian.AppendUint32(out, 1)
		out = append(out, typ[:4]...)
		return binary.BigEndian.AppendUint64(out, body+largeHeaderSize)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(body+headerSize))
	return append(out, typ[:4]...)
}

func newLeaf(typ string, payload []byte) *atom {
	return &atom{typ: typ, payload: payload}
}

func newContainer(typ string, children ...*atom) *atom {
	if children == nil {
		children = []*atom{}
	}
	return &atom{typ: typ, children: children}
}

// parseAtoms decodes a run of sibling atoms that exactly fills data.
func parseAtoms(data []byte) ([]*atom, error) {
	var out []*atom
	offset := 0
	for offset < len(data) {
		if len(data)-offset < headerSize {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedAtom, len(data)-offset)
		}
		size := uint64(binary.BigEndian.Uint32(data[offset : offset+4]))
		typ := string(data[offset+4 : offset+8])
		hdr := uint64(headerSize)

		switch size {
		case 0:
			size = uint64(len(data) - offset)
		case 1:
			if len(data)-offset < largeHeaderSize {
				return nil, fmt.Errorf("%w: truncated large size for %q", ErrMalformedAtom, typ)
			}
			size = binary.BigEndian.Uint64(data[offset+8 : offset+16])
			hdr = largeHeaderSize
		}

		if size < hdr || size > uint64(len(data)-offset) {
			return nil, fmt.Errorf("%w: %q declares %d bytes, %d available", ErrMalformedAtom, typ, size, len(data)-offset)
		}

		payload := data[offset+int(hdr) : offset+int(size)]
		a, err := decodeAtom(typ, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		offset += int(size)
	}
	return out, nil
}

func decodeAtom(typ string, payload []byte) (*atom, error) {
	if !containerTypes[typ] {
		// Own the bytes so the tree can outlive the read buffer.
		return newLeaf(typ, append([]byte(nil), payload...)), nil
	}

	var prefix []byte
	body := payload
	if typ == "meta" && hasFullBoxPrefix(payload) {
		prefix = append([]byte(nil), payload[:4]...)
		body = payload[4:]
	}

	children, err := parseAtoms(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", typ, err)
	}
	a := newContainer(typ, children...)
	a.prefix = prefix
	return a, nil
}

// hasFullBoxPrefix reports whether a "meta" payload starts with version and
// flags. ISO files always write them; QuickTime files may not.
func hasFullBoxPrefix(payload []byte) bool {
	if len(payload) < 12 {
		return false
	}
	if binary.BigEndian.Uint32(payload[:4]) != 0 {
		return false
	}
	// Without a prefix the first four bytes are the size of the first child,
	// which is never zero for a well-formed hdlr.
	next := binary.BigEndian.Uint32(payload[4:8])
	return next >= headerSize && int(next) <= len(payload)-4
}

// topBox locates an atom at the top level of a file.
type topBox struct {
	typ    string
	offset int64
	header int64
	size   int64
	// open is true when the declared size was 0 (extends to end of file).
	open bool
}

func (b topBox) payloadStart() int64 { return b.offset + b.header }
func (b topBox) end() int64          { return b.offset + b.size }

// scanTopLevel lists the top-level atoms of a file without reading payloads.
func scanTopLevel(r io.ReaderAt, fileSize int64) ([]topBox, error) {
	var boxes []topBox
	var hdr [largeHeaderSize]byte
	offset := int64(0)

	for offset < fileSize {
		remaining := fileSize - offset
		if remaining < headerSize {
			// Some writers pad the tail; anything shorter than a header is not an atom.
			break
		}
		n := int64(headerSize)
		if remaining >= largeHeaderSize {
			n = largeHeaderSize
		}
		if _, err := r.ReadAt(hdr[:n], offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read atom header at %d: %w", offset, err)
		}

		b := topBox{
			typ:    string(hdr[4:8]),
			offset: offset,
			header: headerSize,
		}
		size := uint64(binary.BigEndian.Uint32(hdr[0:4]))
		switch size {
		case 0:
			size = uint64(remaining)
			b.open = true
		case 1:
			if n < largeHeaderSize {
				return nil, fmt.Errorf("%w: truncated large size for %q", ErrMalformedAtom, b.typ)
			}
			size = binary.BigEndian.Uint64(hdr[8:16])
			b.header = largeHeaderSize
		}
		if size < uint64(b.header) || size > uint64(remaining) {
			return nil, fmt.Errorf("%w: top-level %q at %d declares %d bytes, %d available",
				ErrMalformedAtom, b.typ, offset, size, remaining)
		}
		b.size = int64(size)
		boxes = append(boxes, b)
		offset += b.size
	}

	if len(boxes) == 0 {
		return nil, fmt.Errorf("%w: no atoms found", ErrMalformedAtom)
	}
	return boxes, nil
}

// fullBox splits the version and flags from a full-box payload.
func fullBox(payload []byte) (version byte, flags uint32, body []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: full box shorter than 4 bytes", ErrMalformedAtom)
	}
	return payload[0], binary.BigEndian.Uint32(payload[:4]) & 0x00FFFFFF, payload[4:], nil
}

func errMalformed(typ, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedAtom, typ, msg)
}

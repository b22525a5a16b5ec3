package imagemeta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrEmptyIdentifier is returned when an empty identifier is written.
var ErrEmptyIdentifier = errors.New("imagemeta: empty identifier")

// Source tells where an identifier was found.
type Source string

// Identifier sources.
const (
	SourceNone      Source = ""
	SourceXMP       Source = "xmp"
	SourceMakerNote Source = "makernote"
)

// Identifier is the asset identifier found in an image.
type Identifier struct {
	Value  string
	Source Source
}

// Found reports whether the image carries an identifier.
func (i Identifier) Found() bool { return i.Value != "" }

// ReadIdentifier returns the asset identifier of a JPEG image. The XMP
// property takes precedence over the Apple MakerNote.
func ReadIdentifier(data []byte) (Identifier, error) {
	segs, _, err := scanSegments(data)
	if err != nil {
		return Identifier{}, err
	}
	for _, s := range segs {
		if !s.isXMP() {
			continue
		}
		if id := readXMP(s.payload[len(xmpHeader):]); id != "" {
			return Identifier{Value: id, Source: SourceXMP}, nil
		}
	}
	for _, s := range segs {
		if s.isExif() {
			if id := readMakerNote(data); id != "" {
				return Identifier{Value: id, Source: SourceMakerNote}, nil
			}
			break
		}
	}
	return Identifier{}, nil
}

// WriteIdentifier returns a copy of a JPEG image carrying id in its Apple
// MakerNote and its XMP packet. Existing EXIF and XMP segments are updated in
// place; missing ones are inserted after the JFIF segment, EXIF first. Image
// data is copied unchanged.
func WriteIdentifier(data []byte, id string) ([]byte, error) {
	if id == "" {
		return nil, ErrEmptyIdentifier
	}
	segs, body, err := scanSegments(data)
	if err != nil {
		return nil, err
	}

	tiff := emptyTIFF()
	exifAt := -1
	packet := newXMP(id)
	xmpAt := -1
	for i, s := range segs {
		switch {
		case exifAt < 0 && s.isExif():
			tiff = s.payload[len(exifHeader):]
			exifAt = i
		case xmpAt < 0 && s.isXMP():
			packet = mergeXMP(s.payload[len(xmpHeader):], id)
			xmpAt = i
		}
	}

	tiff, err = setMakerNoteIdentifier(tiff, id)
	if err != nil {
		return nil, err
	}
	exif := append(append([]byte(nil), exifHeader...), tiff...)
	xmp := append(append([]byte(nil), xmpHeader...), packet...)
	if len(exif) > maxSegmentPayload || len(xmp) > maxSegmentPayload {
		return nil, ErrSegmentTooLarge
	}

	// New segments go after the leading JFIF and EXIF segments.
	insertAt := 0
	for insertAt < len(segs) && (segs[insertAt].marker == markerAPP0 || segs[insertAt].isExif()) {
		insertAt++
	}
	emitNew := func(out []byte) []byte {
		if exifAt < 0 {
			out = appendSegment(out, markerAPP1, exif)
		}
		if xmpAt < 0 {
			out = appendSegment(out, markerAPP1, xmp)
		}
		return out
	}

	out := make([]byte, 0, len(data)+len(exif)+len(xmp)+8)
	out = append(out, 0xFF, markerSOI)
	for i, s := range segs {
		if i == insertAt {
			out = emitNew(out)
		}
		switch i {
		case exifAt:
			out = appendSegment(out, markerAPP1, exif)
		case xmpAt:
			out = appendSegment(out, markerAPP1, xmp)
		default:
			out = append(out, data[s.start:s.end]...)
		}
	}
	if insertAt == len(segs) {
		out = emitNew(out)
	}
	return append(out, data[body:]...), nil
}

// ReadFile reads the identifier of the JPEG image at path.
func ReadFile(path string) (Identifier, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return Identifier{}, err
	}
	return ReadIdentifier(data)
}

// TagFile writes id into the image at path. The file is replaced atomically
// so a failure leaves the original untouched.
func TagFile(path, id string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return err
	}
	tagged, err := WriteIdentifier(data, id)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(tagged); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

package quicktime

import (
	"encoding/binary"
	"fmt"
)

const (
	// Well-known data types of a metadata value.
	dataTypeUTF8 = 1
	dataTypeInt8 = 65

	keyNamespaceMdta = "mdta"
	handlerMdta      = "mdta"
)

// metaEntry is a decoded ilst item together with its key namespace so it can
// be written back unchanged.
type metaEntry struct {
	item      MetadataItem
	namespace string
	// values holds the raw item payload (one or more "data" atoms).
	values []byte
}

// parseContainerMetadata decodes a moov/meta atom using the mdta scheme.
// Metadata atoms using another handler yield no entries.
func parseContainerMetadata(meta *atom) ([]metaEntry, error) {
	if !isMdtaMeta(meta) {
		return nil, nil
	}

	type key struct{ namespace, name string }
	var keys []key
	if k := meta.child("keys"); k != nil {
		_, _, body, err := fullBox(k.payload)
		if err != nil {
			return nil, err
		}
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: keys atom too short", ErrMalformedAtom)
		}
		count := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		for i := uint32(0); i < count; i++ {
			if len(body) < 8 {
				return nil, fmt.Errorf("%w: keys declares %d entries, found %d", ErrMalformedAtom, count, i)
			}
			size := binary.BigEndian.Uint32(body[:4])
			if size < 8 || int(size) > len(body) {
				return nil, fmt.Errorf("%w: key entry %d declares %d bytes", ErrMalformedAtom, i, size)
			}
			keys = append(keys, key{namespace: string(body[4:8]), name: string(body[8:size])})
			body = body[size:]
		}
	}

	ilst := meta.child("ilst")
	if ilst == nil {
		return nil, nil
	}

	var out []metaEntry
	for _, it := range ilst.children {
		idx := binary.BigEndian.Uint32([]byte(it.typ))
		if idx == 0 || int(idx) > len(keys) {
			return nil, fmt.Errorf("%w: ilst item references key %d of %d", ErrMalformedAtom, idx, len(keys))
		}
		k := keys[idx-1]
		entry := metaEntry{
			item:      MetadataItem{Key: k.name},
			namespace: k.namespace,
			values:    it.payload,
		}
		if data, err := parseAtoms(it.payload); err == nil {
			for _, d := range data {
				if d.typ != "data" || len(d.payload) < 8 {
					continue
				}
				entry.item.DataType = binary.BigEndian.Uint32(d.payload[:4]) & 0x00FFFFFF
				if entry.item.DataType == dataTypeUTF8 {
					entry.item.Value = string(d.payload[8:])
				}
				break
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func isMdtaMeta(meta *atom) bool {
	hdlr := meta.child("hdlr")
	return hdlr != nil && len(hdlr.payload) >= 12 && string(hdlr.payload[8:12]) == handlerMdta
}

// newUTF8Entry builds an mdta entry holding a single UTF-8 value.
func newUTF8Entry(key, value string) metaEntry {
	data := make([]byte, 0, 8+len(value))
	data = binary.BigEndian.AppendUint32(data, dataTypeUTF8)
	data = binary.BigEndian.AppendUint32(data, 0) // default locale
	data = append(data, value...)
	return metaEntry{
		item:      MetadataItem{Key: key, DataType: dataTypeUTF8, Value: value},
		namespace: keyNamespaceMdta,
		values:    newLeaf("data", data).encode(),
	}
}

// buildContainerMetadata produces a moov/meta atom holding entries. When an
// existing mdta meta atom is given, its prefix and any atoms other than
// hdlr, keys and ilst are kept in place.
func buildContainerMetadata(existing *atom, entries []metaEntry) *atom {
	keys := make([]byte, 0, 64)
	keys = binary.BigEndian.AppendUint32(keys, 0) // version and flags
	keys = binary.BigEndian.AppendUint32(keys, uint32(len(entries)))
	items := make([]*atom, 0, len(entries))
	for i, e := range entries {
		keys = binary.BigEndian.AppendUint32(keys, uint32(8+len(e.item.Key)))
		keys = append(keys, e.namespace...)
		keys = append(keys, e.item.Key...)

		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i+1))
		items = append(items, newLeaf(string(idx[:]), e.values))
	}

	hdlr := newLeaf("hdlr", mdtaHandler())
	keysAtom := newLeaf("keys", keys)
	ilst := newContainer("ilst", items...)

	if existing == nil || !isMdtaMeta(existing) {
		return newContainer("meta", hdlr, keysAtom, ilst)
	}

	out := newContainer("meta")
	out.prefix = existing.prefix
	for _, c := range existing.children {
		switch c.typ {
		case "hdlr":
			out.children = append(out.children, c)
		case "keys", "ilst":
			// rewritten below
		default:
			out.children = append(out.children, c)
		}
	}
	// keys must precede ilst; place both right after hdlr.
	at := 0
	for i, c := range out.children {
		if c.typ == "hdlr" {
			at = i + 1
			break
		}
	}
	rest := append([]*atom{keysAtom, ilst}, out.children[at:]...)
	out.children = append(out.children[:at], rest...)
	return out
}

// mdtaHandler returns the hdlr payload of an mdta metadata atom.
func mdtaHandler() []byte {
	p := make([]byte, 0, 25)
	p = binary.BigEndian.AppendUint32(p, 0) // version and flags
	p = binary.BigEndian.AppendUint32(p, 0) // pre-defined
	p = append(p, handlerMdta...)
	p = append(p, make([]byte, 12)...) // reserved
	return append(p, 0)                // empty name
}

// mergeContentIdentifier returns the entries of existing with every prior
// content identifier replaced by a single one holding id.
func mergeContentIdentifier(existing []metaEntry, id string) []metaEntry {
	out := make([]metaEntry, 0, len(existing)+1)
	for _, e := range existing {
		if e.item.Key == KeyContentIdentifier {
			continue
		}
		out = append(out, e)
	}
	return append(out, newUTF8Entry(KeyContentIdentifier, id))
}

package imagemeta

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Namespace is the XMP namespace of the ContentIdentifier property.
const Namespace = "https://github.com/maauso/livephoto-api/ns/1.0/"

const xmpPrefix = "livephoto"

var (
	attrPattern    = regexp.MustCompile(xmpPrefix + `:ContentIdentifier="([^"]*)"`)
	elementPattern = regexp.MustCompile(xmpPrefix + `:ContentIdentifier>([^<]*)<`)
)

// readXMP returns the identifier stored in an XMP packet.
func readXMP(packet []byte) string {
	if m := attrPattern.FindSubmatch(packet); len(m) > 1 {
		return strings.TrimSpace(html.UnescapeString(string(m[1])))
	}
	if m := elementPattern.FindSubmatch(packet); len(m) > 1 {
		return strings.TrimSpace(html.UnescapeString(string(m[1])))
	}
	return ""
}

func escapeAttr(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return strings.ReplaceAll(b.String(), `"`, "&#34;")
}

func description(id string) string {
	return fmt.Sprintf(`<rdf:Description rdf:about="" xmlns:%s="%s" %s:ContentIdentifier="%s"/>`,
		xmpPrefix, Namespace, xmpPrefix, escapeAttr(id))
}

// newXMP returns a complete XMP packet holding id.
func newXMP(id string) []byte {
	var b strings.Builder
	b.WriteString("<?xpacket begin=\"\xef\xbb\xbf\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n")
	b.WriteString(`<x:xmpmeta xmlns:x="adobe:ns:meta/">` + "\n")
	b.WriteString(` <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` + "\n")
	b.WriteString("  " + description(id) + "\n")
	b.WriteString(" </rdf:RDF>\n")
	b.WriteString("</x:xmpmeta>\n")
	b.WriteString(`<?xpacket end="w"?>`)
	return []byte(b.String())
}

// mergeXMP sets id in an existing packet, keeping every other property.
// Packets that cannot be merged are replaced.
func mergeXMP(packet []byte, id string) []byte {
	if attrPattern.Match(packet) {
		return attrPattern.ReplaceAllLiteral(packet, []byte(xmpPrefix+`:ContentIdentifier="`+escapeAttr(id)+`"`))
	}
	if elementPattern.Match(packet) {
		return elementPattern.ReplaceAllLiteral(packet, []byte(xmpPrefix+`:ContentIdentifier>`+escapeAttr(id)+`<`))
	}
	end := bytes.LastIndex(packet, []byte("</rdf:RDF>"))
	if end < 0 {
		return newXMP(id)
	}
	out := make([]byte, 0, len(packet)+256)
	out = append(out, packet[:end]...)
	out = append(out, " "+description(id)+"\n "...)
	return append(out, packet[end:]...)
}

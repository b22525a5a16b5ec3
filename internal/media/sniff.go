package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// nonVideoPrefixes are content types that can never hold a movie.
var nonVideoPrefixes = []string{"image/", "text/", "audio/"}

// SniffVideo detects the content type of path and reports whether it rules
// out a movie. Only clearly non-video types are ruled out. Classic
// QuickTime files that start with a wide, mdat or moov atom sniff as
// application/octet-stream and are left to the atom parser.
func SniffVideo(path string) (mime string, notVideo bool, err error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", false, err
	}
	mime = mtype.String()
	for _, prefix := range nonVideoPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return mime, true, nil
		}
	}
	return mime, false, nil
}

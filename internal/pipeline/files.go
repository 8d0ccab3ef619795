package pipeline

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SecureFilename reduces an uploaded file name to a safe base name: the
// directory part is dropped, accents are folded, whitespace becomes "_" and
// only [A-Za-z0-9._-] survive. Leading and trailing dots and underscores are
// trimmed. The result may be empty.
func SecureFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}

	folded, _, err := transform.String(foldAccents, name)
	if err != nil {
		folded = name
	}
	folded = strings.Join(strings.Fields(folded), "_")

	var sb strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		}
	}
	return strings.Trim(sb.String(), "._")
}

package tesseract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizeText cleans raw recognizer output: NFC normalization plus a
// surrounding-whitespace trim. Tesseract can emit decomposed code points
// for accented characters depending on the trained data, and cache entries
// keyed on the result text must stay byte-stable for visually equal
// strings.
func normalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

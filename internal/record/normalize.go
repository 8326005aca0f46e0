package record

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"
)

// fingerprintDomain separates content fingerprints from any other SHA3 use.
const fingerprintDomain = "confluence/content/v1"

// Normalize canonicalizes content for hashing and lexical comparison: NFKC,
// lower case, punctuation and symbols dropped, whitespace runs collapsed.
func Normalize(content string) string {
	s := norm.NFKC.String(content)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// FingerprintInput returns the bytes every hash backend digests for content
// of the given kind.
func FingerprintInput(kind Kind, content string) []byte {
	normalized := Normalize(content)
	buf := make([]byte, 0, len(fingerprintDomain)+len(kind)+len(normalized)+2)
	buf = append(buf, fingerprintDomain...)
	buf = append(buf, 0)
	buf = append(buf, kind...)
	buf = append(buf, 0)
	buf = append(buf, normalized...)
	return buf
}

// Digest hex-encodes the SHA3-256 digest of data.
func Digest(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the content hash of content for kind.
func Fingerprint(kind Kind, content string) string {
	return Digest(FingerprintInput(kind, content))
}

// Tokens splits normalized content into its distinct words.
func Tokens(content string) map[string]struct{} {
	fields := strings.Fields(Normalize(content))
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

package importer

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintBodyLimit caps how much body text participates in the
// fingerprint. Long bodies differ early or not at all, so hashing more
// buys nothing.
const fingerprintBodyLimit = 2000

// ContentHash fingerprints a message by sender, subject and the leading
// part of its plain-text body. The fingerprint is stable across sources
// and across re-imports, which is what makes cross-source deduplication
// possible for messages that lost their Message-ID.
func ContentHash(sender, subject, bodyText string) string {
	body := bodyText
	if runes := []rune(body); len(runes) > fingerprintBodyLimit {
		body = string(runes[:fingerprintBodyLimit])
	}

	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte("|"))
	h.Write([]byte(subject))
	h.Write([]byte("|"))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

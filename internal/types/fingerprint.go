package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
)

const fingerprintVersion = "v1"

// Fingerprint returns a deterministic cache key for the request. Message order,
// roles, trimmed contents, tier and every sampling parameter take part in the
// hash; surrounding whitespace in message contents does not.
func Fingerprint(r *Request) string {
	h := sha256.New()
	writeField(h, fingerprintVersion)
	writeField(h, string(r.Tier))
	writeField(h, strconv.FormatFloat(r.Temperature, 'g', -1, 64))
	writeField(h, strconv.Itoa(r.MaxTokens))
	writeField(h, strconv.FormatFloat(r.TopP, 'g', -1, 64))
	writeField(h, strconv.Itoa(len(r.Messages)))
	for _, m := range r.Messages {
		writeField(h, m.Role)
		writeField(h, strings.TrimSpace(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes each value so that field boundaries cannot collide.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

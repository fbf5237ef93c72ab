// Package hashing computes canonical content hashes for events and facts.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// EventInput is the subset of an event's fields the content hash covers.
type EventInput struct {
	Kind    string
	Content string
	Context map[string]string
}

// HashEvent computes the 32-byte content hash of an event per the canonical
// encoding kind || 0x00 || normalized_content || 0x00 || sorted_context_kv_pairs,
// where normalized_content strips trailing whitespace and NFC-normalizes.
func HashEvent(e EventInput) [32]byte {
	normalized := norm.NFC.String(strings.TrimRight(e.Content, " \t\r\n"))

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.Kind)
	b.WriteByte(0)
	b.WriteString(normalized)
	b.WriteByte(0)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Context[k])
	}

	return sha256.Sum256([]byte(b.String()))
}

// HashEventHex returns HashEvent's digest as a lowercase hex string, the form
// persisted in the content_hash column.
func HashEventHex(e EventInput) string {
	digest := HashEvent(e)
	return hex.EncodeToString(digest[:])
}

// Fingerprint computes the consolidation run fingerprint
// hash(project_id || time_window || strategy) used to key the advisory lock
// that enforces at-most-one-concurrent-run per fingerprint.
func Fingerprint(projectID, timeWindow, strategy string) string {
	digest := sha256.Sum256([]byte(projectID + "::" + timeWindow + "::" + strategy))
	return hex.EncodeToString(digest[:])
}

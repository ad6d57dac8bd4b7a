// Package schedule provides the two-tier job scheduling layer for BookPipe.
//
// The durable job store is the source of truth for all scheduled work; this
// package adds the fast in-memory dispatch layer for jobs due soon, the
// periodic promotion scan that moves near-term jobs into it, and the handler
// registry that executes them.
package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DedupeKey derives a stable identity from a job kind and its JSON payload.
// Identical (kind, payload) submissions collapse into one record while that
// record is still outstanding (pending or promoted); a running job releases
// the key so it can schedule its own successor. The payload is canonicalized (object
// keys sorted) so formatting differences do not defeat deduplication.
func DedupeKey(kind string, payloadJSON string) string {
	canonical := canonicalizeJSON(payloadJSON)
	sum := sha256.Sum256([]byte(kind + "\x00" + canonical))
	return kind + ":" + hex.EncodeToString(sum[:16])
}

// canonicalizeJSON re-marshals a JSON document so object keys are sorted.
// Invalid JSON is used verbatim; the key is still stable, just formatting
// sensitive.
func canonicalizeJSON(payloadJSON string) string {
	if payloadJSON == "" {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &v); err != nil {
		return payloadJSON
	}
	out, err := json.Marshal(v) // map keys marshal in sorted order
	if err != nil {
		return payloadJSON
	}
	return string(out)
}

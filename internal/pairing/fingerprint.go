package pairing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Context is the occasion/environment snapshot accompanying a pairing
// request.
type Context struct {
	Occasion   string `json:"occasion"`
	GuestCount int    `json:"guest_count"`
	Season     string `json:"season"`
	Weather    string `json:"weather"`
	Notes      string `json:"notes"`
}

// inventorySignature is one entry of the top-N-by-bottle-count slice
// folded into a fingerprint, so a cache entry invalidates itself once
// the available inventory it was computed against changes shape.
type inventorySignature struct {
	VintageID int64
	Available int
}

// normalizeDish lowercases and collapses whitespace so trivially
// different phrasings of the same dish produce the same fingerprint
// component.
func normalizeDish(dish string) string {
	fields := strings.Fields(strings.ToLower(dish))
	return strings.Join(fields, " ")
}

// canonicalJSON marshals v with map keys sorted (encoding/json already
// sorts map keys) and no extra whitespace, so two semantically equal
// values always serialize identically.
func canonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// fingerprintTopN bounds how many candidates, by available bottle
// count, fold into a fingerprint's inventory signature. Candidates
// outside the top N don't affect the cache key, so a long tail of
// low-stock vintages coming and going doesn't thrash the cache.
const fingerprintTopN = 10

// topNByAvailable returns the top N entries of sig ordered by Available
// descending (ties broken by VintageID for determinism), without
// mutating sig.
func topNByAvailable(sig []inventorySignature, n int) []inventorySignature {
	sorted := make([]inventorySignature, len(sig))
	copy(sorted, sig)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Available != sorted[j].Available {
			return sorted[i].Available > sorted[j].Available
		}
		return sorted[i].VintageID < sorted[j].VintageID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func canonicalSignature(sig []inventorySignature) string {
	sorted := make([]inventorySignature, len(sig))
	copy(sorted, sig)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VintageID < sorted[j].VintageID })

	var b strings.Builder
	for i, s := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(s.VintageID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(s.Available))
	}
	return b.String()
}

// fingerprintOf computes the deterministic fingerprint for a request:
// hash(normalize(dish) || canonical(context) || canonical(preferences) ||
// signature(top-10-by-bottle-count inventory)). Identical inputs always
// produce identical fingerprints, so cache hits are reproducible across
// process restarts.
func fingerprintOf(dish string, ctx Context, preferences string, topInventory []inventorySignature) (string, error) {
	ctxJSON, err := canonicalJSON(ctx)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(normalizeDish(dish)))
	h.Write([]byte{0})
	h.Write(ctxJSON)
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(preferences)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalSignature(topInventory)))

	return hex.EncodeToString(h.Sum(nil)), nil
}

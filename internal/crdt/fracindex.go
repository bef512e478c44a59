package crdt

import (
	"github.com/cespare/xxhash/v2"
)

// indexAlphabet is the digit set for fractional indices. Lexicographic order
// over the alphabet matches numeric order, so index strings sort directly.
const indexAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// IndexGenerator creates fractional index strings ordered between two
// neighbours. Every generated index ends with a tag derived from the site
// id, so two sites generating between the same neighbours produce distinct,
// deterministically ordered keys.
type IndexGenerator struct {
	siteID  string
	siteTag string
}

// NewIndexGenerator initializes a generator for the given site.
func NewIndexGenerator(siteID string) *IndexGenerator {
	sum := xxhash.Sum64String(siteID)
	base := uint64(len(indexAlphabet))
	tag := make([]byte, 0, 4)
	for i := 0; i < 3; i++ {
		tag = append(tag, indexAlphabet[sum%base])
		sum /= base
	}
	// the final character must never be the minimal digit, otherwise a key
	// could sit flush against its upper neighbour with no room between
	tag = append(tag, indexAlphabet[1+sum%(base-1)])
	return &IndexGenerator{siteID: siteID, siteTag: string(tag)}
}

// Between returns an index strictly between left and right. Empty strings
// act as the open bounds: Between("", "") yields a first index, and
// Between(last, "") appends after the current tail.
func (g *IndexGenerator) Between(left, right string) string {
	return midpoint(left, right) + g.siteTag
}

// midpoint returns a digit string strictly between a and b, where the empty
// string stands for the open bound on either side. Missing digits of a are
// treated as the minimal digit while matching b's prefix, and results never
// end in the minimal digit, which keeps every key splittable later.
func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && digitOrMin(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = digitValue(a[0])
	}
	digitB := len(indexAlphabet)
	if b != "" {
		digitB = digitValue(b[0])
	}

	if digitB-digitA > 1 {
		return string(indexAlphabet[(digitA+digitB)/2])
	}

	// adjacent digits: commit to the lower one and bisect a's remainder
	// against the open upper bound. The first divergent digit stays below
	// b's, so any suffix appended later cannot push the result past b.
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(indexAlphabet[digitA]) + midpoint(rest, "")
}

func digitOrMin(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return indexAlphabet[0]
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return 10 + int(c-'A')
	case c >= 'a' && c <= 'z':
		return 36 + int(c-'a')
	}
	return 0
}

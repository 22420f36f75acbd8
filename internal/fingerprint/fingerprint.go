// Package fingerprint computes deterministic cache keys for phase inputs.
//
// A fingerprint covers only the semantically relevant inputs of a phase:
// query terms (treated as a set), a parameter map (sorted by key) and the
// hashes of upstream artifacts. Timestamps and request IDs never take part.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Fingerprint is a hex-encoded SHA-256 digest
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 hex characters, for logs
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Builder accumulates the inputs of one fingerprint
type Builder struct {
	phase    string
	terms    map[string]struct{}
	params   map[string]string
	upstream []string
}

// New starts a fingerprint for the named phase
func New(phase string) *Builder {
	return &Builder{
		phase:  phase,
		terms:  make(map[string]struct{}),
		params: make(map[string]string),
	}
}

// Terms adds query terms. Terms are normalized and treated as a set.
func (b *Builder) Terms(terms ...string) *Builder {
	for _, t := range terms {
		n := NormalizeTerm(t)
		if n == "" {
			continue
		}
		b.terms[n] = struct{}{}
	}
	return b
}

// Param records a named parameter. Setting the same key twice keeps the last value.
func (b *Builder) Param(key string, value any) *Builder {
	b.params[key] = fmt.Sprint(value)
	return b
}

// Upstream records the hash of an artifact this phase consumes
func (b *Builder) Upstream(h string) *Builder {
	b.upstream = append(b.upstream, h)
	return b
}

// Sum returns the fingerprint. Upstream hashes are order-sensitive,
// terms and params are not.
func (b *Builder) Sum() Fingerprint {
	h := sha256.New()
	writeField(h, b.phase)

	terms := make([]string, 0, len(b.terms))
	for t := range b.terms {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	writeCount(h, len(terms))
	for _, t := range terms {
		writeField(h, t)
	}

	keys := make([]string, 0, len(b.params))
	for k := range b.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(h, len(keys))
	for _, k := range keys {
		writeField(h, k)
		writeField(h, b.params[k])
	}

	writeCount(h, len(b.upstream))
	for _, u := range b.upstream {
		writeField(h, u)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeTerm lower-cases a term and collapses its whitespace
func NormalizeTerm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// HashBytes returns the hex SHA-256 of data, used to chain upstream artifacts
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString is HashBytes for strings
func HashString(s string) string {
	return HashBytes([]byte(s))
}

func writeField(h hash.Hash, s string) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(s)))
	h.Write(length[:])
	h.Write([]byte(s))
}

func writeCount(h hash.Hash, n int) {
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(n))
	h.Write(count[:])
}

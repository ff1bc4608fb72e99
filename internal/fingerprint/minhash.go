// Package fingerprint computes and indexes MinHash content signatures
// for near-duplicate detection.
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	// SignatureSize is the number of MinHash permutations per signature.
	SignatureSize = 64

	// DefaultShingleSize is the word-shingle width used when no size is
	// configured.
	DefaultShingleSize = 3
)

// Signature is a k-permutation MinHash signature over content shingles.
// The zero value is the sentinel for content that could not be tokenized;
// it never matches any other signature, including another zero signature.
type Signature [SignatureSize]uint64

// Bytes encodes the signature as little-endian bytes for persistence.
func (s Signature) Bytes() []byte {
	buf := make([]byte, SignatureSize*8)
	for i, v := range s {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// SignatureFromBytes decodes a signature produced by Bytes. A corrupt
// length is a fatal condition for the record involved.
func SignatureFromBytes(buf []byte) (Signature, error) {
	var sig Signature
	if len(buf) != SignatureSize*8 {
		return sig, fmt.Errorf("corrupt signature: %d bytes (want %d)", len(buf), SignatureSize*8)
	}
	for i := range sig {
		sig[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return sig, nil
}

// IsZero reports whether s is the sentinel signature.
func (s Signature) IsZero() bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}

// permSeeds holds one mixing seed per permutation, generated with
// splitmix64 so signatures are deterministic across processes.
var permSeeds = func() [SignatureSize]uint64 {
	var seeds [SignatureSize]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range seeds {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		seeds[i] = z ^ (z >> 31)
	}
	return seeds
}()

// Computer computes MinHash signatures with a fixed shingle size.
// Compute is pure and deterministic for a given configuration.
type Computer struct {
	shingleSize int
}

// NewComputer creates a signature computer. shingleSize <= 0 falls back
// to DefaultShingleSize.
func NewComputer(shingleSize int) *Computer {
	if shingleSize <= 0 {
		shingleSize = DefaultShingleSize
	}
	return &Computer{shingleSize: shingleSize}
}

// Compute returns the MinHash signature for content plus the number of
// shingles it was derived from.
//
// Content that yields no tokens (empty or punctuation-only) produces the
// zero sentinel signature and a shingle count of 0. That is not an error;
// the caller decides policy.
func (c *Computer) Compute(content string) (Signature, int) {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return Signature{}, 0
	}

	shingles := shingle(tokens, c.shingleSize)

	var sig Signature
	for i := range sig {
		sig[i] = ^uint64(0)
	}

	for _, sh := range shingles {
		base := xxhash.Sum64String(sh)
		for i := range sig {
			h := mix(base ^ permSeeds[i])
			if h < sig[i] {
				sig[i] = h
			}
		}
	}

	return sig, len(shingles)
}

// EstimatedJaccard estimates the Jaccard similarity of the shingle sets
// behind two signatures. Symmetric and deterministic; zero signatures
// never match.
func EstimatedJaccard(a, b Signature) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(SignatureSize)
}

// tokenize lowercases content and splits it into word tokens, dropping
// punctuation.
func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// shingle builds overlapping word shingles of width k. Inputs shorter
// than k produce a single shingle of all tokens so short content still
// fingerprints.
func shingle(tokens []string, k int) []string {
	if len(tokens) <= k {
		return []string{strings.Join(tokens, " ")}
	}
	shingles := make([]string, 0, len(tokens)-k+1)
	for i := 0; i+k <= len(tokens); i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+k], " "))
	}
	return shingles
}

// mix finalizes a hash value (murmur3 finalizer) so each permutation
// behaves as an independent hash function.
func mix(z uint64) uint64 {
	z = (z ^ (z >> 33)) * 0xff51afd7ed558ccd
	z = (z ^ (z >> 33)) * 0xc4ceb9fe1a85ec53
	return z ^ (z >> 33)
}

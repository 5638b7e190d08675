package share

import (
	"errors"
	"hash/fnv"
	"math"
	"strings"

	"github.com/prxssh/dchub/pkg/bitfield"
)

// ErrBadBloomParams is returned when a remote GET blom request specifies
// parameters outside the accepted range.
var ErrBadBloomParams = errors.New("share: bloom parameters rejected")

// Bloom is a classic k-hash Bloom filter over lower-cased file and
// directory name tokens, built on the teacher's Bitfield bitset.
type Bloom struct {
	bits bitfield.Bitfield
	m    int
	k    int
	h    int
}

// NewBloom builds a filter sized for n expected entries with k hash
// functions and h-bit hash values, per the spec's m = round_up(n*k/ln2, 64)
// sizing rule.
func NewBloom(n, k, h int) *Bloom {
	if k < 1 {
		k = 1
	}
	if h < 1 {
		h = 24
	}
	m := BloomSize(n, k)
	return &Bloom{bits: bitfield.New(m), m: m, k: k, h: h}
}

// BloomSize returns round_up(n*k/ln2, 64).
func BloomSize(n, k int) int {
	if n <= 0 {
		n = 1
	}
	raw := math.Ceil(float64(n) * float64(k) / math.Ln2)
	m := int(raw)
	if rem := m % 64; rem != 0 {
		m += 64 - rem
	}
	if m == 0 {
		m = 64
	}
	return m
}

// ValidateRemoteParams enforces the spec's acceptance window for a remote
// "GET blom ... BK=k BH=h" request against our own index size n.
func ValidateRemoteParams(n, k, h, m int) error {
	if k < 1 || k > 8 {
		return ErrBadBloomParams
	}
	if h < 1 || h > 64 {
		return ErrBadBloomParams
	}
	maxM := 5 * BloomSize(n, k)
	if m > maxM {
		return ErrBadBloomParams
	}
	if h < 32 && m > (1<<uint(h)) {
		return ErrBadBloomParams
	}
	return nil
}

// Add inserts token (case-folded) into the filter.
func (b *Bloom) Add(token string) {
	token = strings.ToLower(token)
	for i := 0; i < b.k; i++ {
		b.bits.Set(b.index(token, i))
	}
}

// Has reports whether token (case-folded) may be present; false negatives
// never occur, false positives are possible by construction.
func (b *Bloom) Has(token string) bool {
	token = strings.ToLower(token)
	for i := 0; i < b.k; i++ {
		if !b.bits.Has(b.index(token, i)) {
			return false
		}
	}
	return true
}

func (b *Bloom) index(token string, seed int) int {
	hsh := fnv.New64a()
	hsh.Write([]byte{byte(seed)})
	hsh.Write([]byte(token))
	sum := hsh.Sum64()
	if b.h < 64 {
		sum &= (uint64(1) << uint(b.h)) - 1
	}
	return int(sum % uint64(b.m))
}

// Bytes returns the raw bit payload, as sent in an SND response to GET
// blom.
func (b *Bloom) Bytes() []byte { return b.bits.Bytes() }

// Bits returns the filter size in bits.
func (b *Bloom) Bits() int { return b.m }

// K returns the number of hash functions.
func (b *Bloom) K() int { return b.k }

// H returns the hash value bit width.
func (b *Bloom) H() int { return b.h }

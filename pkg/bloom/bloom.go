package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/minio/highwayhash"
)

var hashKey = []byte("ceresdb-bloom-filter-hash-key-32")

var ErrInvalidFilter = errors.New("bloom: invalid encoded filter")

// Filter is a fixed-size bloom filter with double hashing.
type Filter struct {
	bits   []uint64
	nbits  uint64
	hashes uint32
}

// New sizes a filter for expectedItems keys at the given false positive rate.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	nbits := optimalSize(expectedItems, falsePositiveRate)
	words := (nbits + 63) / 64
	return &Filter{
		bits:   make([]uint64, words),
		nbits:  words * 64,
		hashes: optimalHashCount(expectedItems, words*64),
	}
}

// m = -(n * ln(p)) / (ln(2)^2)
func optimalSize(n int, p float64) uint64 {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return uint64(math.Ceil(m))
}

// k = (m/n) * ln(2)
func optimalHashCount(n int, m uint64) uint32 {
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	return min(max(k, 1), 16)
}

func (f *Filter) locations(key []byte) (uint64, uint64) {
	h := highwayhash.Sum64(key, hashKey)
	return h & 0xffffffff, h>>32 | 1
}

func (f *Filter) Add(key []byte) {
	h1, h2 := f.locations(key)
	for i := uint64(0); i < uint64(f.hashes); i++ {
		pos := (h1 + i*h2) % f.nbits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
}

// MayContain returns false only if key was never added.
func (f *Filter) MayContain(key []byte) bool {
	if f == nil || f.nbits == 0 {
		return true
	}
	h1, h2 := f.locations(key)
	for i := uint64(0); i < uint64(f.hashes); i++ {
		pos := (h1 + i*h2) % f.nbits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Bytes encodes the filter as hash count followed by the bit words.
func (f *Filter) Bytes() []byte {
	out := make([]byte, 4+8*len(f.bits))
	binary.LittleEndian.PutUint32(out, f.hashes)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(out[4+8*i:], w)
	}
	return out
}

// Decode parses a filter produced by Bytes.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 4 || (len(data)-4)%8 != 0 {
		return nil, ErrInvalidFilter
	}
	f := &Filter{hashes: binary.LittleEndian.Uint32(data)}
	if f.hashes == 0 {
		return nil, ErrInvalidFilter
	}
	f.bits = make([]uint64, (len(data)-4)/8)
	for i := range f.bits {
		f.bits[i] = binary.LittleEndian.Uint64(data[4+8*i:])
	}
	f.nbits = uint64(len(f.bits)) * 64
	return f, nil
}

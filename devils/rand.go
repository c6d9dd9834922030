package devils

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// hostRand is the per-host PRNG used to mint connect ids and session ids.
// The original seeds from the host pointer's address mixed with the
// clock; Design Notes flags that as non-portable. This seeds instead from
// a platform entropy source (crypto/rand, via a UUIDv4 as the pack's
// google/uuid already demonstrates pulling platform randomness) folded
// with the seed hint, which NewHost sets to its creation-time clock
// sample. next serializes access to the state with a mutex.
type hostRand struct {
	mu    sync.Mutex
	state uint64
}

func newHostRand(seedHint uint32) *hostRand {
	var seed uint64
	if id, err := uuid.NewRandom(); err == nil {
		b := id[:]
		seed = binary.BigEndian.Uint64(b[0:8]) ^ binary.BigEndian.Uint64(b[8:16])
	} else if n, err2 := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 63)); err2 == nil {
		seed = n.Uint64()
	}
	seed ^= uint64(seedHint) << 32
	if seed == 0 {
		seed = 0x9E3779B97F4A7C15 // splitmix64's golden-ratio constant; any nonzero seed works
	}
	return &hostRand{state: seed}
}

// next implements splitmix64, a small, well-mixed generator adequate for
// connect ids and session nonces (this is not used for anything
// security-sensitive — see SPEC_FULL.md Non-goals).
func (r *hostRand) next() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (r *hostRand) uint32() uint32 { return uint32(r.next()) }

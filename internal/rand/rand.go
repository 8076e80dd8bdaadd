package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789" // reduced base64

var charsetLen = len(charset)

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, 16)
	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // correlation ids are not security sensitive
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

// CorrelationID returns a random alphanumeric id of the given length,
// used to correlate request and response envelopes on the bus.
// Distribution is slightly non-uniform, which is acceptable here.
func CorrelationID(length int) string {
	buf := make([]byte, length)

	defaultSource.mut.Lock()
	for i := range buf {
		buf[i] = charset[defaultSource.rng.IntN(charsetLen)]
	}
	defaultSource.mut.Unlock()

	return string(buf)
}

package b3

import (
	"encoding/hex"
	"fmt"
	"hash"

	"lukechampine.com/blake3"
)

const size = 32

// Digest is an io.Writer that hashes whatever is written through it, meant to
// sit behind an io.TeeReader while an upload is spooled to disk.
type Digest struct {
	h hash.Hash
}

func NewDigest() *Digest {
	return &Digest{h: blake3.New(size, nil)}
}

func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *Digest) Hex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Key derives a stable digest from parts. Parts are length-prefixed so
// ("ab", "c") and ("a", "bc") never collide.
func Key(parts ...string) string {
	h := blake3.New(size, nil)
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s", len(p), p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

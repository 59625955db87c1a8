package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size in bytes of every hash used on chain.
const HashSize = 32

// Hash is a SHA3-256 digest identifying a header, output or kernel.
type Hash [HashSize]byte

// ZeroHash is the hash of nothing. Genesis points at it.
var ZeroHash Hash

// Sha3 hashes the concatenation of the given byte slices.
func Sha3(chunks ...[]byte) Hash {
	h := sha3.New256()
	for _, c := range chunks {
		h.Write(c)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashFromHex parses a 64 character hex string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	bz, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(bz), HashSize)
	}
	copy(h[:], bz)
	return h, nil
}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ShortString returns the first 8 hex characters, for logs.
func (h Hash) ShortString() string { return hex.EncodeToString(h[:4]) }

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
)

var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// Fingerprint is a 128-bit content hash split into two halves. It is the
// first 16 bytes of the SHA-256 digest of the content, read big-endian.
type Fingerprint struct {
	Sum1 uint64
	Sum2 uint64
}

func Calculate(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return fromDigest(sum[:])
}

// CalculateReader fingerprints everything read from r and returns the number
// of bytes consumed.
func CalculateReader(r io.Reader) (Fingerprint, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, n, err
	}

	return h.Fingerprint(), n, nil
}

func (f Fingerprint) IsZero() bool {
	return f.Sum1 == 0 && f.Sum2 == 0
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x%016x", f.Sum1, f.Sum2)
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*f = parsed
	return nil
}

// Parse reads the 32 hex character form produced by String.
func Parse(s string) (Fingerprint, error) {
	if len(s) != 32 {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}

	sum1, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}

	sum2, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}

	return Fingerprint{Sum1: sum1, Sum2: sum2}, nil
}

// Hasher fingerprints a stream incrementally.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

func (h *Hasher) Fingerprint() Fingerprint {
	return fromDigest(h.h.Sum(nil))
}

func fromDigest(digest []byte) Fingerprint {
	return Fingerprint{
		Sum1: binary.BigEndian.Uint64(digest[0:8]),
		Sum2: binary.BigEndian.Uint64(digest[8:16]),
	}
}

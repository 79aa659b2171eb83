package envelope

import (
	"encoding/base64"
	"fmt"
)

// IVLength is the only IV length a Blob may carry: the AES-GCM nonce size.
const IVLength = 12

// Blob is an encrypted value together with the IV it was sealed under.
//
// Encoded form:
//
//	base64( [ivLen:1][iv:ivLen][ciphertext+tag] )
type Blob struct {
	IV         []byte
	Ciphertext []byte
}

// Encode returns the base64 wire form of b.
func (b Blob) Encode() string {
	buf := make([]byte, 0, 1+len(b.IV)+len(b.Ciphertext))
	buf = append(buf, byte(len(b.IV)))
	buf = append(buf, b.IV...)
	buf = append(buf, b.Ciphertext...)
	return base64.StdEncoding.EncodeToString(buf)
}

// ParseBlob decodes the wire form produced by Encode. Anything that does not
// carry a complete 12-byte IV is rejected with ErrInvalidIVLength.
func ParseBlob(s string) (Blob, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: invalid base64: %v", ErrInvalidIVLength, err)
	}
	if len(raw) == 0 {
		return Blob{}, fmt.Errorf("%w: empty blob", ErrInvalidIVLength)
	}
	ivLen := int(raw[0])
	if ivLen != IVLength {
		return Blob{}, fmt.Errorf("%w: got %d, want %d", ErrInvalidIVLength, ivLen, IVLength)
	}
	if len(raw) < 1+ivLen {
		return Blob{}, fmt.Errorf("%w: blob truncated inside IV", ErrInvalidIVLength)
	}
	return Blob{
		IV:         raw[1 : 1+ivLen],
		Ciphertext: raw[1+ivLen:],
	}, nil
}

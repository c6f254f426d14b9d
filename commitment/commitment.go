// Package commitment encodes the public output of a successful evidence verification.
//
// The commitment is a fixed 276 byte record:
//
//	| offset | size | field                        |
//	|--------|------|------------------------------|
//	|      0 |   48 | RTMR0                        |
//	|     48 |   48 | RTMR1                        |
//	|     96 |   48 | RTMR2                        |
//	|    144 |   48 | RTMR3                        |
//	|    192 |   32 | committed key (report data)  |
//	|    224 |   32 | build (compose) hash         |
//	|    256 |   20 | application ID               |
//
// Build hash and application ID shorter than their field are right-padded with zero bytes.
package commitment

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/edgelesssys/go-tdx-evidence/rtmr"
)

const (
	// Size is the size of an encoded commitment.
	Size = 276
	// KeySize is the size of the committed key taken from the first half of the report data.
	KeySize = 32
	// BuildHashSize is the size of the build hash field.
	BuildHashSize = 32
	// AppIDSize is the size of the application ID field.
	AppIDSize = 20
)

var (
	// ErrFieldTooLong is returned if a build hash or application ID does not fit its field.
	ErrFieldTooLong = errors.New("field too long")
	// ErrInvalidLength is returned when decoding a commitment that is not exactly Size bytes.
	ErrInvalidLength = errors.New("invalid commitment length")
)

type field struct {
	offset, size int
}

func (f field) of(b []byte) []byte {
	return b[f.offset : f.offset+f.size]
}

var layout = struct {
	rtmr                  [rtmr.Count]field
	key, buildHash, appID field
}{
	rtmr: [rtmr.Count]field{
		{0, rtmr.DigestSize},
		{48, rtmr.DigestSize},
		{96, rtmr.DigestSize},
		{144, rtmr.DigestSize},
	},
	key:       field{192, KeySize},
	buildHash: field{224, BuildHashSize},
	appID:     field{256, AppIDSize},
}

// Commitment binds the verified registers, the committed key, and the application identity.
type Commitment struct {
	RTMR      rtmr.Registers
	Key       [KeySize]byte
	BuildHash [BuildHashSize]byte
	AppID     [AppIDSize]byte
}

// New creates a commitment. buildHash and appID may be shorter than their fields and are zero padded.
func New(registers rtmr.Registers, key [KeySize]byte, buildHash, appID []byte) (Commitment, error) {
	if len(buildHash) > BuildHashSize {
		return Commitment{}, fmt.Errorf("%w: build hash has %d bytes, at most %d are allowed", ErrFieldTooLong, len(buildHash), BuildHashSize)
	}
	if len(appID) > AppIDSize {
		return Commitment{}, fmt.Errorf("%w: app ID has %d bytes, at most %d are allowed", ErrFieldTooLong, len(appID), AppIDSize)
	}

	c := Commitment{
		RTMR: registers,
		Key:  key,
	}
	copy(c.BuildHash[:], buildHash)
	copy(c.AppID[:], appID)
	return c, nil
}

// Encode serializes the commitment.
func (c Commitment) Encode() [Size]byte {
	var out [Size]byte
	for i, f := range layout.rtmr {
		copy(f.of(out[:]), c.RTMR[i][:])
	}
	copy(layout.key.of(out[:]), c.Key[:])
	copy(layout.buildHash.of(out[:]), c.BuildHash[:])
	copy(layout.appID.of(out[:]), c.AppID[:])
	return out
}

// Decode parses an encoded commitment.
func Decode(raw []byte) (Commitment, error) {
	if len(raw) != Size {
		return Commitment{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidLength, Size, len(raw))
	}
	var c Commitment
	for i, f := range layout.rtmr {
		c.RTMR[i] = rtmr.Digest(f.of(raw))
	}
	c.Key = [KeySize]byte(layout.key.of(raw))
	c.BuildHash = [BuildHashSize]byte(layout.buildHash.of(raw))
	c.AppID = [AppIDSize]byte(layout.appID.of(raw))
	return c, nil
}

// PublicValuesDigest returns SHA-256 of the encoded commitment with the three most significant bits cleared,
// so the digest fits into a 253 bit field element.
func (c Commitment) PublicValuesDigest() [sha256.Size]byte {
	encoded := c.Encode()
	digest := sha256.Sum256(encoded[:])
	digest[0] &= 0x1f
	return digest
}

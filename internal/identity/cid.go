// Package identity implements the core identity primitives: CID, PID and
// TTHValue, plus the User/Identity/OnlineUser model shared across hubs.
package identity

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"
)

// Size is the byte length of a CID, PID or TTHValue (192 bits).
const Size = 24

// base32Encoding is the RFC 4648 base32 alphabet without padding, the
// encoding used on the wire for CIDs, PIDs and TTH roots (39 characters for
// 24 raw bytes).
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrBadLength is returned when decoding a base32 string that does not
// produce exactly Size bytes.
var ErrBadLength = errors.New("identity: decoded value is not 24 bytes")

// CID is a 192-bit content identifier derived as TIGER(PID). It is the
// stable, public handle for a user across hubs and connections.
type CID [Size]byte

// PID is a 192-bit private identifier. It never leaves the client; CID is
// derived from it via Tiger.
type PID [Size]byte

// String returns the 39-character base32 encoding of the CID.
func (c CID) String() string { return base32Encoding.EncodeToString(c[:]) }

// IsZero reports whether c is the zero value.
func (c CID) IsZero() bool { return c == CID{} }

// ParseCID decodes a 39-character base32 CID string.
func ParseCID(s string) (CID, error) {
	var c CID
	b, err := decode39(s)
	if err != nil {
		return c, err
	}
	copy(c[:], b)
	return c, nil
}

// String returns the 39-character base32 encoding of the PID.
func (p PID) String() string { return base32Encoding.EncodeToString(p[:]) }

// ParsePID decodes a 39-character base32 PID string.
func ParsePID(s string) (PID, error) {
	var p PID
	b, err := decode39(s)
	if err != nil {
		return p, err
	}
	copy(p[:], b)
	return p, nil
}

func decode39(s string) ([]byte, error) {
	b, err := base32Encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return nil, err
	}
	if len(b) != Size {
		return nil, ErrBadLength
	}
	return b, nil
}

// GeneratePID returns a fresh, random private identifier. Callers derive the
// matching CID via tiger.Sum on the returned bytes.
func GeneratePID() (PID, error) {
	var p PID
	if _, err := rand.Read(p[:]); err != nil {
		return PID{}, err
	}
	return p, nil
}

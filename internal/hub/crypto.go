package hub

import (
	"crypto/sha256"
	"encoding/base32"
)

// KeyprintOf renders a certificate's SHA-256 digest in the "SHA256/<base32>"
// form used by adcs:// keyprint pinning (ADC KEYP extension) and by this
// package's own Config.Keyprint.
func KeyprintOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "SHA256/" + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
}

// Package search implements the SUDP auxiliary UDP socket from §4.7: an
// AES-128-CBC encrypted search-reply channel layered over the same port
// used for plaintext ADC RES and legacy NMDC $SR replies.
package search

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"time"
)

// KeyValidity is how long an ephemeral SUDP key generated for an outbound
// active search remains eligible for decrypting its replies.
const KeyValidity = 5 * time.Minute

// Encrypt prepends a random 16-byte prefix to plaintext (standing in for a
// nonce, since the cipher itself runs under a fixed zero IV), PKCS#7-pads
// the result to a 16-byte multiple, and encrypts it with AES-128-CBC.
func Encrypt(key [16]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	prefix := make([]byte, aes.BlockSize)
	if _, err := rand.Read(prefix); err != nil {
		return nil, err
	}

	buf := append(prefix, plaintext...)
	buf = pkcs7Pad(buf, aes.BlockSize)

	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, buf)
	return out, nil
}

// Decrypt reverses Encrypt: AES-128-CBC decrypt under a zero IV, strict
// PKCS#7 unpad, then discard the random 16-byte prefix.
func Decrypt(key [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("search: ciphertext not a multiple of the block size")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(buf, ciphertext)

	buf, err = pkcs7Unpad(buf, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	if len(buf) < aes.BlockSize {
		return nil, errors.New("search: decrypted payload shorter than the random prefix")
	}
	return buf[aes.BlockSize:], nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errors.New("search: invalid padded length")
	}
	pad := int(data[n-1])
	if pad == 0 || pad > blockSize || pad > n {
		return nil, errors.New("search: invalid PKCS#7 padding")
	}
	for _, b := range data[n-pad:] {
		if int(b) != pad {
			return nil, errors.New("search: invalid PKCS#7 padding")
		}
	}
	return data[:n-pad], nil
}

// Package envelope implements the on-disk format of a locker secret.
//
// An envelope is
//
//	signature (8) | version (1) | nonce (12) | ciphertext (N)
//
// where ciphertext is AES-256-GCM over the gzip-compressed plaintext, with
// the authentication tag appended and no additional data.
package envelope

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/lockerr"
)

// Signature identifies a locker envelope: "SMARTLKR"
var Signature = [8]byte{'S', 'M', 'A', 'R', 'T', 'L', 'K', 'R'}

// Format constants.
const (
	// Version is the only format revision this codec reads or writes.
	Version byte = 1

	// HeaderLength is the length of signature plus version.
	HeaderLength = len(Signature) + 1

	// Overhead is the size of an envelope around its compressed payload.
	Overhead = HeaderLength + crypto.NonceLength + crypto.TagLength
)

// Detail errors. Each is returned wrapped in a *lockerr.Error.
var (
	ErrFormatMismatch       = errors.New("format mismatch")
	ErrUnsupportedVersion   = errors.New("unsupported version")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrCompressionFailed    = errors.New("compression failed")
	ErrSealFailed           = errors.New("seal failed")
)

// Encode compresses and encrypts plaintext under key.
func Encode(plaintext, key []byte) ([]byte, error) {
	if len(key) != crypto.KeyLength {
		return nil, lockerr.New(lockerr.KindEncryption, "envelope.encode", crypto.ErrInvalidKeyLength)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, lockerr.New(lockerr.KindEncryption, "envelope.encode", fmt.Errorf("%w: %v", ErrCompressionFailed, err))
	}
	if err := zw.Close(); err != nil {
		return nil, lockerr.New(lockerr.KindEncryption, "envelope.encode", fmt.Errorf("%w: %v", ErrCompressionFailed, err))
	}

	ciphertext, nonce, err := crypto.Encrypt(key, compressed.Bytes())
	if err != nil {
		// Only the nonce source can fail here once the key is validated.
		return nil, lockerr.New(lockerr.KindEncryption, "envelope.encode", fmt.Errorf("%w: %v", ErrSealFailed, err))
	}

	out := make([]byte, 0, HeaderLength+len(nonce)+len(ciphertext))
	out = append(out, Signature[:]...)
	out = append(out, Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode verifies, decrypts and decompresses an envelope. It returns either
// the complete plaintext or an error, never partial data.
func Decode(data, key []byte) ([]byte, error) {
	if len(data) < len(Signature) || !bytes.Equal(data[:len(Signature)], Signature[:]) {
		return nil, decodeErr(ErrFormatMismatch)
	}
	if len(data) < HeaderLength || data[len(Signature)] != Version {
		return nil, decodeErr(ErrUnsupportedVersion)
	}
	if len(key) != crypto.KeyLength {
		return nil, decodeErr(crypto.ErrInvalidKeyLength)
	}

	body := data[HeaderLength:]
	if len(body) < crypto.NonceLength {
		return nil, decodeErr(ErrAuthenticationFailed)
	}
	nonce := body[:crypto.NonceLength]
	ciphertext := body[crypto.NonceLength:]

	compressed, err := crypto.Decrypt(key, ciphertext, nonce)
	if err != nil {
		return nil, decodeErr(ErrAuthenticationFailed)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, decodeErr(ErrDecompressionFailed)
	}
	plaintext, err := io.ReadAll(zr)
	if err != nil {
		return nil, decodeErr(ErrDecompressionFailed)
	}
	if err := zr.Close(); err != nil {
		return nil, decodeErr(ErrDecompressionFailed)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Sniff reports whether data starts with the envelope signature, and the
// version byte if one is present. It needs no key.
func Sniff(data []byte) (version byte, ok bool) {
	if len(data) < HeaderLength || !bytes.Equal(data[:len(Signature)], Signature[:]) {
		return 0, false
	}
	return data[len(Signature)], true
}

func decodeErr(err error) error {
	return lockerr.New(lockerr.KindDecryption, "envelope.decode", err)
}

package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

// TestGenerateKey checks length and uniqueness of generated keys
func TestGenerateKey(t *testing.T) {
	a := mustKey(t)
	b := mustKey(t)
	if len(a) != KeyLength {
		t.Errorf("GenerateKey() length = %d, want %d", len(a), KeyLength)
	}
	if bytes.Equal(a, b) {
		t.Error("two generated keys should differ")
	}
}

// TestDeriveKey checks that derivation is deterministic per passphrase and salt
func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	key := DeriveKey([]byte("correct horse"), salt)
	if len(key) != KeyLength {
		t.Fatalf("DeriveKey() length = %d, want %d", len(key), KeyLength)
	}
	if !bytes.Equal(key, DeriveKey([]byte("correct horse"), salt)) {
		t.Error("same passphrase and salt should produce the same key")
	}
	if bytes.Equal(key, DeriveKey([]byte("battery staple"), salt)) {
		t.Error("different passphrase should produce a different key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustKey(t)

	large := make([]byte, 10000)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("failed to generate random data: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("x")},
		{"unicode", []byte("пароль 🔐 秘密")},
		{"nul bytes", []byte{0x00, 'a', 0x00, 'b'}},
		{"large", large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, nonce, err := Encrypt(key, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(nonce) != NonceLength {
				t.Errorf("nonce length = %d, want %d", len(nonce), NonceLength)
			}
			if len(ciphertext) != len(tt.plaintext)+TagLength {
				t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(tt.plaintext)+TagLength)
			}

			got, err := Decrypt(key, ciphertext, nonce)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("Decrypt() = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

// TestEncryptFreshNonce ensures no nonce is reused across encryptions
func TestEncryptFreshNonce(t *testing.T) {
	key := mustKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		_, nonce, err := Encrypt(key, []byte("same plaintext"))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if seen[string(nonce)] {
			t.Fatal("nonce reused")
		}
		seen[string(nonce)] = true
	}
}

func TestInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"empty key", 0},
		{"AES-128 size", 16},
		{"AES-192 size", 24},
		{"too long", 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			if _, _, err := Encrypt(key, []byte("data")); err != ErrInvalidKeyLength {
				t.Errorf("Encrypt() error = %v, want %v", err, ErrInvalidKeyLength)
			}
			if _, err := Decrypt(key, make([]byte, 32), make([]byte, NonceLength)); err != ErrInvalidKeyLength {
				t.Errorf("Decrypt() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

func TestDecryptFailures(t *testing.T) {
	key := mustKey(t)
	ciphertext, nonce, err := Encrypt(key, []byte("secret data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0x01

	wrongNonce := append([]byte(nil), nonce...)
	wrongNonce[len(wrongNonce)-1] ^= 0x80

	tests := []struct {
		name       string
		key        []byte
		ciphertext []byte
		nonce      []byte
		wantErr    error
	}{
		{"wrong key", mustKey(t), ciphertext, nonce, ErrDecryptionFailed},
		{"tampered ciphertext", key, tampered, nonce, ErrDecryptionFailed},
		{"wrong nonce", key, ciphertext, wrongNonce, ErrDecryptionFailed},
		{"short nonce", key, ciphertext, nonce[:8], ErrInvalidNonceLength},
		{"short ciphertext", key, ciphertext[:10], nonce, ErrCiphertextTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decrypt(tt.key, tt.ciphertext, tt.nonce)
			if err != tt.wantErr {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
			if got != nil {
				t.Error("Decrypt() returned data on failure")
			}
		})
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive key material")
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %x", i, b)
		}
	}
	SecureWipe(nil)
}

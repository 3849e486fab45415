// Package cryptor implements the AES-256 primitive used to protect every
// secret the SDK persists on the device.
//
// Two modes exist. Without an IV the cipher runs block by block (ECB); this
// is the mode the identity bundles are stored in and it must not change
// without a versioned migration of the stored records. With an IV the cipher
// runs in CBC mode using an IV generated once per Cryptor and reused for the
// lifetime of the process; the IV is written in front of the ciphertext so a
// later process can still decrypt
package cryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

var (
	ErrEmptyPassword = errors.New("cryptor: empty password")
	ErrEmptyData     = errors.New("cryptor: empty data")
	ErrEncryptFailed = errors.New("cryptor: encryption failed")
	ErrDecryptFailed = errors.New("cryptor: decryption failed")
)

// Cryptor encrypts and decrypts byte buffers with AES-256 and PKCS7 padding.
// The zero value is ready to use
type Cryptor struct {
	mu sync.Mutex
	iv []byte

	// rand is the entropy source for the IV; nil means crypto/rand
	rand io.Reader
}

var defaultCryptor = &Cryptor{}

// Default returns the process-wide Cryptor
func Default() *Cryptor {
	return defaultCryptor
}

// Encrypt encrypts plaintext with the process-wide Cryptor
func Encrypt(plaintext []byte, key string, useIV bool) ([]byte, error) {
	return defaultCryptor.Encrypt(plaintext, key, useIV)
}

// Decrypt decrypts ciphertext with the process-wide Cryptor
func Decrypt(ciphertext []byte, key string, useIV bool) ([]byte, error) {
	return defaultCryptor.Decrypt(ciphertext, key, useIV)
}

// IV returns a copy of the IV this Cryptor has established, or nil if no
// IV-mode call has happened yet
func (c *Cryptor) IV() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.iv == nil {
		return nil
	}
	return append([]byte(nil), c.iv...)
}

// Encrypt pads plaintext and encrypts it under key
func (c *Cryptor) Encrypt(plaintext []byte, key string, useIV bool) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyPassword
	}

	block, err := aes.NewCipher(keyBytes(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	if !useIV {
		out := make([]byte, len(padded))
		for i := 0; i < len(padded); i += aes.BlockSize {
			block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
		}
		return out, nil
	}

	iv, err := c.processIV()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt. With useIV the first block of ciphertext is the IV
func (c *Cryptor) Decrypt(ciphertext []byte, key string, useIV bool) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyData
	}
	if key == "" {
		return nil, ErrEmptyPassword
	}

	block, err := aes.NewCipher(keyBytes(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	var out []byte
	if useIV {
		if len(ciphertext) < 2*aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: invalid ciphertext length %d", ErrDecryptFailed, len(ciphertext))
		}
		iv := ciphertext[:aes.BlockSize]
		body := ciphertext[aes.BlockSize:]
		out = make([]byte, len(body))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	} else {
		if len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: invalid ciphertext length %d", ErrDecryptFailed, len(ciphertext))
		}
		out = make([]byte, len(ciphertext))
		for i := 0; i < len(ciphertext); i += aes.BlockSize {
			block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
		}
	}

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plain, nil
}

// processIV returns the cached IV, generating it on first use
func (c *Cryptor) processIV() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.iv != nil {
		return c.iv, nil
	}

	r := c.rand
	if r == nil {
		r = rand.Reader
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, err
	}
	c.iv = iv
	return iv, nil
}

// keyBytes maps a key string onto 32 bytes: UTF-8, truncated or zero padded
func keyBytes(key string) []byte {
	k := make([]byte, KeySize)
	copy(k, key)
	return k
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

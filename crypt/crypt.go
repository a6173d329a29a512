// Package crypt holds the data-key cipher used to encrypt log entries
// and table blocks. Encryption is AES in CTR mode, so the same call
// both encrypts and decrypts.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	// IVSize is the full AES-CTR IV length.
	IVSize = 16
	// BaseIVSize is the random prefix stored in log file headers. The
	// remaining 4 bytes of each IV come from the entry offset.
	BaseIVSize = 12
	// KeyIDSize is the encoded size of a data-key id.
	KeyIDSize = 8
)

// Cipher pairs a data-key id with its AES block cipher. A nil *Cipher
// means encryption is off.
type Cipher struct {
	keyID uint64
	block cipher.Block
}

// New builds a cipher from a 16, 24 or 32 byte key.
func New(keyID uint64, key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("data key %d: %w", keyID, err)
	}
	return &Cipher{keyID: keyID, block: block}, nil
}

// KeyID returns the data-key id recorded in file headers and manifest
// entries. Zero for a nil cipher.
func (c *Cipher) KeyID() uint64 {
	if c == nil {
		return 0
	}
	return c.keyID
}

// XOR applies AES-CTR over src with the given 16-byte IV and returns
// the transformed copy.
func (c *Cipher) XOR(iv, src []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), IVSize)
	}
	dst := make([]byte, len(src))
	cipher.NewCTR(c.block, iv).XORKeyStream(dst, src)
	return dst, nil
}

// RandomIV returns a fresh 16-byte IV for a table block.
func RandomIV() ([]byte, error) {
	return randomBytes(IVSize)
}

// RandomBaseIV returns the 12-byte IV prefix written to a log file
// header.
func RandomBaseIV() ([]byte, error) {
	return randomBytes(BaseIVSize)
}

// IVForOffset derives the per-entry IV for a log file: the file's base
// IV followed by the big-endian entry offset.
func IVForOffset(base []byte, offset uint32) []byte {
	iv := make([]byte, IVSize)
	copy(iv, base[:BaseIVSize])
	binary.BigEndian.PutUint32(iv[BaseIVSize:], offset)
	return iv
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// Package decrypt implements the stream cipher used for delivered media:
// chunks are AES-CTR encrypted with a per-item key and an 8-byte nonce, the
// remaining 8 IV bytes being a big-endian block counter that starts at zero
// for the first byte of the file. Decrypting a chunk therefore only needs
// its byte offset; getting the counter derivation wrong produces garbage
// plaintext without any error at this layer.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"trackvault/internal/domain"
)

var (
	// ErrMalformedKey indicates key material of the wrong size.
	ErrMalformedKey = errors.New("decrypt: malformed key material")
	// ErrMisalignedChunk indicates a chunk offset that is not a multiple
	// of the cipher block size, for which no counter can be derived.
	ErrMisalignedChunk = errors.New("decrypt: chunk offset not block aligned")
	// ErrBadToken indicates a security token that cannot be unwrapped.
	ErrBadToken = errors.New("decrypt: invalid security token")
)

const nonceSize = 8

// UnwrapSecurityToken decrypts a manifest's base64 security token with the
// service master key (AES-CBC, IV in the first block) and extracts the
// stream key and nonce from the plaintext.
func UnwrapSecurityToken(masterKey []byte, token string) (domain.KeyMaterial, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if len(raw) < aes.BlockSize+aes.BlockSize+nonceSize {
		return domain.KeyMaterial{}, fmt.Errorf("%w: token too short", ErrBadToken)
	}
	if (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
		return domain.KeyMaterial{}, fmt.Errorf("%w: ciphertext not block aligned", ErrBadToken)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return domain.KeyMaterial{
		Key:   plain[:aes.BlockSize],
		Nonce: plain[aes.BlockSize : aes.BlockSize+nonceSize],
	}, nil
}

// Chunk decrypts one fetched chunk in place of its position in the stream.
// offset is the chunk's first byte position in the whole file and must be a
// multiple of the AES block size so the CTR counter can be seeded.
func Chunk(ciphertext []byte, keys domain.KeyMaterial, offset int64) ([]byte, error) {
	if len(keys.Key) != aes.BlockSize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrMalformedKey, len(keys.Key), aes.BlockSize)
	}
	if len(keys.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrMalformedKey, len(keys.Nonce), nonceSize)
	}
	if offset < 0 || offset%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: offset %d", ErrMisalignedChunk, offset)
	}

	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, keys.Nonce)
	binary.BigEndian.PutUint64(iv[nonceSize:], uint64(offset/aes.BlockSize))

	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)
	return plain, nil
}

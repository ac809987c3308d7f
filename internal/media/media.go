package media

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"veil/internal/domain"
)

const (
	KeySize   = 32
	NonceSize = chacha20poly1305.NonceSize

	// chunkThreshold is the largest plaintext encrypted in one AEAD call.
	chunkThreshold = 10 << 20
	// chunkSize is the plaintext size per chunk above the threshold.
	chunkSize = 1 << 20
)

// magic marks the chunked container format.
var magic = [4]byte{'V', 'M', 'C', '1'}

// FileKey is the ephemeral per-file key material. It is never derived from
// message protocol state; files are encrypted independently of the ratchet.
type FileKey struct {
	Key       []byte
	BaseNonce []byte
}

// NewFileKey draws fresh uniform random key material.
func NewFileKey() (FileKey, error) {
	k := FileKey{
		Key:       make([]byte, KeySize),
		BaseNonce: make([]byte, NonceSize),
	}
	if _, err := rand.Read(k.Key); err != nil {
		return FileKey{}, err
	}
	if _, err := rand.Read(k.BaseNonce); err != nil {
		return FileKey{}, err
	}
	return k, nil
}

// Encode packs key and base nonce (44 bytes) as Base64 for embedding inside
// a protocol-encrypted envelope.
func (k FileKey) Encode() string {
	return base64.StdEncoding.EncodeToString(append(append([]byte(nil), k.Key...), k.BaseNonce...))
}

// ParseFileKey reverses Encode.
func ParseFileKey(s string) (FileKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return FileKey{}, err
	}
	if len(raw) != KeySize+NonceSize {
		return FileKey{}, fmt.Errorf("media key: want %d bytes, got %d", KeySize+NonceSize, len(raw))
	}
	return FileKey{Key: raw[:KeySize], BaseNonce: raw[KeySize:]}, nil
}

// EncryptFile encrypts a file payload under a fresh key and returns the
// ciphertext, the encoded key and the plaintext hash. Payloads above the
// chunk threshold use the chunked container; the hash and, for chunks, the
// index and total count are bound as associated data so ciphertexts cannot
// be paired with mismatched claims or spliced.
func EncryptFile(plaintext []byte) (ciphertext []byte, key string, hash []byte, err error) {
	fk, err := NewFileKey()
	if err != nil {
		return nil, "", nil, err
	}
	sum := sha256.Sum256(plaintext)

	if len(plaintext) <= chunkThreshold {
		ct, err := sealOne(fk, plaintext, sum[:])
		if err != nil {
			return nil, "", nil, err
		}
		return ct, fk.Encode(), sum[:], nil
	}

	ct, err := sealChunked(fk, plaintext, sum[:])
	if err != nil {
		return nil, "", nil, err
	}
	return ct, fk.Encode(), sum[:], nil
}

// DecryptFile reverses EncryptFile, detecting the chunked container by its
// magic bytes. It returns ErrMediaIntegrity when any chunk fails
// authentication or the recomputed hash mismatches the claimed hash.
func DecryptFile(ciphertext []byte, key string, hash []byte) ([]byte, error) {
	fk, err := ParseFileKey(key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrMediaIntegrity)
	}

	var plain []byte
	if len(ciphertext) >= 4 && bytes.Equal(ciphertext[:4], magic[:]) {
		plain, err = openChunked(fk, ciphertext, hash)
	} else {
		plain, err = openOne(fk, ciphertext, hash)
	}
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(plain)
	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return nil, fmt.Errorf("hash mismatch: %w", domain.ErrMediaIntegrity)
	}
	return plain, nil
}

// EncryptThumbnail mirrors the single-shot path for small preview images.
func EncryptThumbnail(plaintext []byte) (ciphertext []byte, key string, hash []byte, err error) {
	fk, err := NewFileKey()
	if err != nil {
		return nil, "", nil, err
	}
	sum := sha256.Sum256(plaintext)
	ct, err := sealOne(fk, plaintext, sum[:])
	if err != nil {
		return nil, "", nil, err
	}
	return ct, fk.Encode(), sum[:], nil
}

// DecryptThumbnail reverses EncryptThumbnail.
func DecryptThumbnail(ciphertext []byte, key string, hash []byte) ([]byte, error) {
	fk, err := ParseFileKey(key)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrMediaIntegrity)
	}
	plain, err := openOne(fk, ciphertext, hash)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(plain)
	if subtle.ConstantTimeCompare(sum[:], hash) != 1 {
		return nil, fmt.Errorf("hash mismatch: %w", domain.ErrMediaIntegrity)
	}
	return plain, nil
}

// --- single shot ---

func sealOne(fk FileKey, plaintext, hash []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(fk.Key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, fk.BaseNonce, plaintext, hash), nil
}

func openOne(fk FileKey, ciphertext, hash []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(fk.Key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, fk.BaseNonce, ciphertext, hash)
	if err != nil {
		return nil, fmt.Errorf("open: %w", domain.ErrMediaIntegrity)
	}
	return pt, nil
}

// --- chunked container ---
//
// Layout: [4-byte magic][4-byte BE chunk count]([4-byte BE length][AEAD ct])*
// Each chunk's nonce is derived via HKDF(key, baseNonce, "chunk"||index) so
// nonces never repeat under the same key; each chunk's AAD binds its index,
// the total count and the whole-file hash, defeating reordering, truncation
// and splicing.

func sealChunked(fk FileKey, plaintext, hash []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(fk.Key)
	if err != nil {
		return nil, err
	}
	count := uint32((len(plaintext) + chunkSize - 1) / chunkSize)

	var buf bytes.Buffer
	buf.Write(magic[:])
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], count)
	buf.Write(be[:])

	for i := uint32(0); i < count; i++ {
		start := int(i) * chunkSize
		end := start + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		nonce, err := chunkNonce(fk, i)
		if err != nil {
			return nil, err
		}
		ct := aead.Seal(nil, nonce, plaintext[start:end], chunkAAD(i, count, hash))
		binary.BigEndian.PutUint32(be[:], uint32(len(ct)))
		buf.Write(be[:])
		buf.Write(ct)
	}
	return buf.Bytes(), nil
}

func openChunked(fk FileKey, ciphertext, hash []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(fk.Key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 8 {
		return nil, fmt.Errorf("truncated container: %w", domain.ErrMediaIntegrity)
	}
	count := binary.BigEndian.Uint32(ciphertext[4:8])
	rest := ciphertext[8:]

	var out bytes.Buffer
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated chunk %d: %w", i, domain.ErrMediaIntegrity)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return nil, fmt.Errorf("truncated chunk %d: %w", i, domain.ErrMediaIntegrity)
		}
		nonce, err := chunkNonce(fk, i)
		if err != nil {
			return nil, err
		}
		pt, err := aead.Open(nil, nonce, rest[:n], chunkAAD(i, count, hash))
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, domain.ErrMediaIntegrity)
		}
		out.Write(pt)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing bytes after final chunk: %w", domain.ErrMediaIntegrity)
	}
	return out.Bytes(), nil
}

func chunkNonce(fk FileKey, index uint32) ([]byte, error) {
	info := make([]byte, 0, 9)
	info = append(info, []byte("chunk")...)
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], index)
	info = append(info, be[:]...)

	r := hkdf.New(sha256.New, fk.Key, fk.BaseNonce, info)
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func chunkAAD(index, count uint32, hash []byte) []byte {
	aad := make([]byte, 8, 8+len(hash))
	binary.BigEndian.PutUint32(aad[:4], index)
	binary.BigEndian.PutUint32(aad[4:8], count)
	return append(aad, hash...)
}

package ratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// pubKeyPrefix is the Signal-style type-byte that precedes every public key
// carried on the wire or in storage; it is stripped before cryptographic use.
const pubKeyPrefix = 0x05

// PublicKey is a 33-byte X25519 public key: a 0x05 type byte followed by the
// 32-byte Montgomery-u value.
type PublicKey [33]byte

// Raw strips the type byte, returning the 32-byte Montgomery-u value.
func (k PublicKey) Raw() [32]byte {
	var raw [32]byte
	copy(raw[:], k[1:])
	return raw
}

// NewPublicKey prefixes a raw 32-byte Montgomery-u value with the type byte.
func NewPublicKey(raw [32]byte) PublicKey {
	var k PublicKey
	k[0] = pubKeyPrefix
	copy(k[1:], raw[:])
	return k
}

// PrivateKey is a 32-byte X25519 private scalar.
type PrivateKey [32]byte

// KeyPair is a Diffie-Hellman key pair.
type KeyPair struct {
	Pub  PublicKey
	Priv PrivateKey
}

// Hash returns the SHA-512 digest of data. Empty input is rejected.
func Hash(data []byte) ([64]byte, error) {
	var out [64]byte
	if len(data) == 0 {
		return out, newInvalidArgumentError("hash: empty input")
	}
	out = sha512.Sum512(data)
	return out, nil
}

// HMACSHA256 returns the HMAC-SHA256 of data keyed by key.
func HMACSHA256(key, data []byte) [32]byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyMAC recomputes HMAC-SHA256(key, data), truncates it to length bytes,
// and compares it to mac in constant time.
func VerifyMAC(data, key, mac []byte, length int) error {
	if length > sha256.Size || length != len(mac) {
		return &BadMacLengthError{Want: length, Got: len(mac)}
	}
	full := HMACSHA256(key, data)
	if subtle.ConstantTimeCompare(full[:length], mac) != 1 {
		return &BadMacError{}
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, newSessionError("bad padding: invalid length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, newSessionError("bad padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, newSessionError("bad padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// AESCBCEncrypt PKCS7-pads data and encrypts it with AES-256-CBC.
func AESCBCEncrypt(key [32]byte, data []byte, iv [16]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cbc encrypt: %s", err)
	}
	padded := pkcs7Pad(data, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// AESCBCDecrypt decrypts AES-256-CBC ciphertext and removes PKCS7 padding,
// failing on malformed padding.
func AESCBCDecrypt(key [32]byte, ciphertext []byte, iv [16]byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newSessionError("aes cbc decrypt: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cbc decrypt: %s", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plain, ciphertext)
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("aes cbc decrypt: %s", err)
	}
	return unpadded, nil
}

// HKDF derives `chunks` (1-3) 32-byte outputs from input via RFC 5869,
// keyed by salt and bound to info for domain separation between callers.
func HKDF(input []byte, salt [32]byte, info []byte, chunks int) ([][32]byte, error) {
	if chunks < 1 || chunks > 3 {
		return nil, newInvalidArgumentError("hkdf: chunks must be in 1..3")
	}
	r := hkdf.New(sha256.New, input, salt[:], info)
	buf := make([]byte, 32*chunks)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("hkdf: %s", err)
	}
	out := make([][32]byte, chunks)
	for i := range out {
		copy(out[i][:], buf[i*32:(i+1)*32])
	}
	return out, nil
}

// GenerateKeyPair generates a fresh X25519 key pair, clamping the private
// scalar per RFC 7748.
func GenerateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("couldn't generate private key: %s", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return KeyPair{Pub: NewPublicKey(pub), Priv: PrivateKey(priv)}, nil
}

// DH computes the X25519 agreement between priv and pub, stripping pub's
// type-byte prefix first.
func DH(pub PublicKey, priv PrivateKey) ([32]byte, error) {
	rawPub := pub.Raw()
	privArr := [32]byte(priv)
	var out [32]byte
	curve25519.ScalarMult(&out, &privArr, &rawPub)
	return out, nil
}

// zero overwrites a byte slice with zeroes; used on every exit path that
// touches key material, IVs, or intermediate DH/HKDF outputs.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zero32(b *[32]byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
}

package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair_Clamped(t *testing.T) {
	// Act.
	kp, err := GenerateKeyPair()

	// Assert.
	require.Nil(t, err)
	require.EqualValues(t, pubKeyPrefix, kp.Pub[0])
	require.Zero(t, kp.Priv[0]&7)
	require.Zero(t, kp.Priv[31]&128)
	require.EqualValues(t, 64, kp.Priv[31]&64)
}

func TestDH_Agreement(t *testing.T) {
	// Arrange.
	alice, err := GenerateKeyPair()
	require.Nil(t, err)
	bob, err := GenerateKeyPair()
	require.Nil(t, err)

	// Act.
	s1, err := DH(bob.Pub, alice.Priv)
	require.Nil(t, err)
	s2, err := DH(alice.Pub, bob.Priv)
	require.Nil(t, err)

	// Assert.
	require.Equal(t, s1, s2)
}

func TestHMACSHA256_VerifyMAC(t *testing.T) {
	// Arrange.
	key := []byte("key")
	data := []byte("message body")
	full := HMACSHA256(key, data)

	// Act & assert.
	require.Nil(t, VerifyMAC(data, key, full[:8], 8))
	require.NotNil(t, VerifyMAC(data, key, []byte{0, 0, 0, 0, 0, 0, 0, 0}, 8))
}

func TestVerifyMAC_BadLength(t *testing.T) {
	// Act.
	err := VerifyMAC([]byte("x"), []byte("key"), make([]byte, 40), 40)

	// Assert.
	require.NotNil(t, err)
	require.IsType(t, &BadMacLengthError{}, err)
}

func TestAESCBC_RoundTrip(t *testing.T) {
	// Arrange.
	var key [32]byte
	var iv [16]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(iv[:], []byte("abcdefghijklmnop"))
	plaintext := []byte("the quick brown fox jumps")

	// Act.
	ciphertext, err := AESCBCEncrypt(key, plaintext, iv)
	require.Nil(t, err)
	decrypted, err := AESCBCDecrypt(key, ciphertext, iv)

	// Assert.
	require.Nil(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestAESCBCDecrypt_RejectsBadPadding(t *testing.T) {
	// Arrange.
	var key [32]byte
	var iv [16]byte
	ciphertext, err := AESCBCEncrypt(key, []byte("hello"), iv)
	require.Nil(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xff

	// Act.
	_, err = AESCBCDecrypt(key, ciphertext, iv)

	// Assert.
	require.NotNil(t, err)
}

func TestHKDF_DeterministicAndChunked(t *testing.T) {
	// Arrange.
	input := []byte("shared secret material")
	var salt [32]byte
	info := []byte("info")

	// Act.
	out1, err := HKDF(input, salt, info, 3)
	require.Nil(t, err)
	out2, err := HKDF(input, salt, info, 3)
	require.Nil(t, err)

	// Assert.
	require.Equal(t, out1, out2)
	require.NotEqual(t, out1[0], out1[1])
	require.NotEqual(t, out1[1], out1[2])
}

func TestHKDF_RejectsOutOfRangeChunks(t *testing.T) {
	var salt [32]byte
	_, err := HKDF([]byte("x"), salt, nil, 0)
	require.NotNil(t, err)
	_, err = HKDF([]byte("x"), salt, nil, 4)
	require.NotNil(t, err)
}

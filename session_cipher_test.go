package ratchet

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fullyEstablish runs the handshake and exchanges one message each way so
// both sides have moved past the pending-pre-key state, matching how a real
// conversation looks once bob has replied.
func fullyEstablish(t *testing.T, p handshakePeers) (*SessionCipher, *SessionCipher) {
	ctx := context.Background()
	establishSession(t, p, true)

	aliceCipher := NewSessionCipher(p.aliceStorage, p.bobAddr)
	bobCipher := NewSessionCipher(p.bobStorage, p.aliceAddr)

	reply, err := bobCipher.Encrypt(ctx, []byte("hi alice"))
	require.Nil(t, err)
	require.Equal(t, MessageTypeWhisper, reply.Type)
	plaintext, err := aliceCipher.DecryptWhisperMessage(ctx, reply.Body)
	require.Nil(t, err)
	require.Equal(t, []byte("hi alice"), plaintext)

	return aliceCipher, bobCipher
}

func TestSessionCipher_RoundTrip_BothDirections(t *testing.T) {
	// Arrange.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, bobCipher := fullyEstablish(t, p)

	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("alice says %d", i)
		t.Run(msg, func(t *testing.T) {
			ct, err := aliceCipher.Encrypt(ctx, []byte(msg))
			require.Nil(t, err)
			pt, err := bobCipher.DecryptWhisperMessage(ctx, ct.Body)
			require.Nil(t, err)
			require.Equal(t, []byte(msg), pt)
		})
	}
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("bob says %d", i)
		t.Run(msg, func(t *testing.T) {
			ct, err := bobCipher.Encrypt(ctx, []byte(msg))
			require.Nil(t, err)
			pt, err := aliceCipher.DecryptWhisperMessage(ctx, ct.Body)
			require.Nil(t, err)
			require.Equal(t, []byte(msg), pt)
		})
	}
}

func TestSessionCipher_ForwardSecrecy_MessageKeyConsumedOnce(t *testing.T) {
	// Arrange.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, bobCipher := fullyEstablish(t, p)
	ct, err := aliceCipher.Encrypt(ctx, []byte("only once"))
	require.Nil(t, err)

	// Act.
	_, err = bobCipher.DecryptWhisperMessage(ctx, ct.Body)
	require.Nil(t, err)
	_, err = bobCipher.DecryptWhisperMessage(ctx, ct.Body)

	// Assert: the key was zeroized and removed after first use.
	require.NotNil(t, err)
}

func TestSessionCipher_OutOfOrderDelivery_ToleratesGaps(t *testing.T) {
	// Arrange.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, bobCipher := fullyEstablish(t, p)

	var ciphertexts []CiphertextMessage
	for i := 0; i < 5; i++ {
		ct, err := aliceCipher.Encrypt(ctx, []byte(fmt.Sprintf("msg %d", i)))
		require.Nil(t, err)
		ciphertexts = append(ciphertexts, ct)
	}

	// Act: deliver in reverse order.
	for i := len(ciphertexts) - 1; i >= 0; i-- {
		pt, err := bobCipher.DecryptWhisperMessage(ctx, ciphertexts[i].Body)
		require.Nil(t, err, "message %d", i)
		require.Equal(t, []byte(fmt.Sprintf("msg %d", i)), pt)
	}
}

func TestSessionCipher_OverMaxGap_Fails(t *testing.T) {
	// Arrange.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, bobCipher := fullyEstablish(t, p)

	for i := 0; i < MaxMessageKeysGap+5; i++ {
		_, err := aliceCipher.Encrypt(ctx, []byte("filler"))
		require.Nil(t, err)
	}
	last, err := aliceCipher.Encrypt(ctx, []byte("too far"))
	require.Nil(t, err)

	// Act: bob never saw any of the filler messages, so this single delivery
	// jumps the chain by more than MaxMessageKeysGap.
	_, err = bobCipher.DecryptWhisperMessage(ctx, last.Body)

	// Assert.
	require.NotNil(t, err)
}

func TestSessionCipher_DHRatchetStep_AdvancesRootKeyOnNewRemoteEphemeral(t *testing.T) {
	// A DH ratchet step only fires on the receiving side, the first time it
	// observes an ephemeral key it hasn't seen before (§4.7.7) — sending
	// more messages on an already-known chain never touches the root key.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, bobCipher := fullyEstablish(t, p)

	aliceRecord, err := p.aliceStorage.LoadSession(ctx, p.bobAddr)
	require.Nil(t, err)
	rootBefore := aliceRecord.GetOpenSession().CurrentRatchet.RootKey

	// Act: bob sends again on the same (already-seen) ephemeral; alice's
	// root key must not move.
	ct, err := bobCipher.Encrypt(ctx, []byte("still me"))
	require.Nil(t, err)
	_, err = aliceCipher.DecryptWhisperMessage(ctx, ct.Body)
	require.Nil(t, err)

	aliceRecord, err = p.aliceStorage.LoadSession(ctx, p.bobAddr)
	require.Nil(t, err)
	require.Equal(t, rootBefore, aliceRecord.GetOpenSession().CurrentRatchet.RootKey)

	// Act: alice sends on her own (already-seen-by-nobody-yet) ephemeral;
	// once bob decrypts it he ratchets onto a brand new ephemeral of his
	// own, and only alice's subsequent decrypt of a message on THAT new
	// ephemeral moves her root key.
	outbound, err := aliceCipher.Encrypt(ctx, []byte("switching back"))
	require.Nil(t, err)
	_, err = bobCipher.DecryptWhisperMessage(ctx, outbound.Body)
	require.Nil(t, err)

	reply, err := bobCipher.Encrypt(ctx, []byte("got your new key"))
	require.Nil(t, err)
	_, err = aliceCipher.DecryptWhisperMessage(ctx, reply.Body)
	require.Nil(t, err)

	// Assert.
	aliceRecord, err = p.aliceStorage.LoadSession(ctx, p.bobAddr)
	require.Nil(t, err)
	require.NotEqual(t, rootBefore, aliceRecord.GetOpenSession().CurrentRatchet.RootKey)
}

func TestSessionCipher_Decrypt_UntrustedIdentityIsRejected(t *testing.T) {
	// Arrange.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, bobCipher := fullyEstablish(t, p)
	ct, err := aliceCipher.Encrypt(ctx, []byte("hello"))
	require.Nil(t, err)

	// Act: bob's stored identity for alice is overwritten with an impostor's.
	impostor, err := GenerateKeyPair()
	require.Nil(t, err)
	p.bobStorage.mu.Lock()
	p.bobStorage.identities[p.aliceAddr.ID()] = impostor.Pub
	p.bobStorage.mu.Unlock()

	_, err = bobCipher.DecryptWhisperMessage(ctx, ct.Body)

	// Assert.
	require.NotNil(t, err)
	require.IsType(t, &UntrustedIdentityKeyError{}, err)
}

func TestSessionCipher_HasOpenSession_CloseOpenSession(t *testing.T) {
	// Arrange.
	ctx := context.Background()
	p := newHandshakePeers(t)
	aliceCipher, _ := fullyEstablish(t, p)

	// Act & assert.
	open, err := aliceCipher.HasOpenSession(ctx)
	require.Nil(t, err)
	require.True(t, open)

	require.Nil(t, aliceCipher.CloseOpenSession(ctx))

	open, err = aliceCipher.HasOpenSession(ctx)
	require.Nil(t, err)
	require.False(t, open)
}

package ratchet

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
)

// hkdfInfoHandshake, hkdfInfoRootChain, hkdfInfoMessageKeys are the §4.6/4.7
// HKDF domain-separation strings.
var (
	hkdfInfoHandshake   = []byte("WhisperText")
	hkdfInfoRootChain   = []byte("WhisperRatchet")
	hkdfInfoMessageKeys = []byte("WhisperMessageKeys")
)

var zeroSalt [32]byte

// SessionBuilder performs the X3DH-derived handshake (§4.6): the initiator
// path from a PreKeyBundle, and the responder path from a received
// PreKeyWhisperMessage.
type SessionBuilder struct {
	storage Storage
	addr    Address

	// SkipSignatureVerification short-circuits the signed pre-key
	// signature check to always pass. It exists only for test harnesses
	// that need to exercise the handshake without a real signature (§9
	// open question 1) and must never be set in production use.
	SkipSignatureVerification bool
}

// NewSessionBuilder returns a builder for the session with addr, backed by
// storage.
func NewSessionBuilder(storage Storage, addr Address) *SessionBuilder {
	return &SessionBuilder{storage: storage, addr: addr}
}

// InitOutgoing runs the initiator handshake (§4.6.1) against device's
// pre-key bundle, inserting the resulting session into addr's record.
func (b *SessionBuilder) InitOutgoing(ctx context.Context, device PreKeyBundle) error {
	_, err := withPeerLock(b.addr, func() (struct{}, error) {
		return struct{}{}, b.initOutgoingLocked(ctx, device)
	})
	return err
}

func (b *SessionBuilder) initOutgoingLocked(ctx context.Context, device PreKeyBundle) error {
	trusted, err := b.storage.IsTrustedIdentity(ctx, b.addr.ID(), device.IdentityKey)
	if err != nil {
		return fmt.Errorf("init outgoing: %s", err)
	}
	if !trusted {
		return &UntrustedIdentityKeyError{ID: b.addr.ID(), Key: device.IdentityKey}
	}

	if b.SkipSignatureVerification {
		defaultLogger.Printf("signed pre-key signature verification skipped for %s (test-only)", b.addr)
	}
	if !XEdDSAVerify(device.IdentityKey, device.SignedPreKey.PublicKey[:], device.SignedPreKey.Signature, b.SkipSignatureVerification) {
		return newSessionError("signed pre-key signature verification failed")
	}

	baseKey, err := GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("init outgoing: %s", err)
	}

	var theirEphemeral *PublicKey
	var preKeyID *uint32
	if device.PreKey != nil {
		k := device.PreKey.PublicKey
		theirEphemeral = &k
		id := device.PreKey.KeyID
		preKeyID = &id
	}

	signedPub := device.SignedPreKey.PublicKey
	session, err := b.initSession(ctx, true, &baseKey, nil, device.IdentityKey, theirEphemeral, &signedPub, device.RegistrationID)
	if err != nil {
		return fmt.Errorf("init outgoing: %s", err)
	}
	session.PendingPreKey = &PendingPreKey{
		SignedKeyID: device.SignedPreKey.KeyID,
		BaseKey:     baseKey.Pub,
		PreKeyID:    preKeyID,
	}

	record, err := b.storage.LoadSession(ctx, b.addr)
	if err != nil {
		return fmt.Errorf("init outgoing: %s", err)
	}
	if record == nil {
		record = NewSessionRecord()
	}
	if open := record.GetOpenSession(); open != nil {
		record.CloseSession(open)
	}
	record.SetSession(session)
	record.RemoveOldSessions()

	if err := b.storage.StoreSession(ctx, b.addr, record); err != nil {
		return fmt.Errorf("init outgoing: %s", err)
	}
	return nil
}

// InitIncoming runs the responder handshake (§4.6.2) against a received
// PreKeyWhisperMessage, inserting the resulting session into record. It
// returns the consumed one-time pre-key id (nil if none was used) so the
// caller can remove it from storage after decryption succeeds.
func (b *SessionBuilder) InitIncoming(ctx context.Context, record *SessionRecord, msg preKeyWhisperMessage) (*uint32, error) {
	return withPeerLock(b.addr, func() (*uint32, error) {
		return b.initIncomingLocked(ctx, record, msg)
	})
}

func (b *SessionBuilder) initIncomingLocked(ctx context.Context, record *SessionRecord, msg preKeyWhisperMessage) (*uint32, error) {
	trusted, err := b.storage.IsTrustedIdentity(ctx, b.addr.ID(), msg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("init incoming: %s", err)
	}
	if !trusted {
		return nil, &UntrustedIdentityKeyError{ID: b.addr.ID(), Key: msg.IdentityKey}
	}

	if existing, _ := record.GetSession(msg.BaseKey); existing != nil {
		return nil, nil
	}

	var ourEphemeral *KeyPair
	if msg.PreKeyID != nil {
		kp, err := b.storage.LoadPreKey(ctx, *msg.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("init incoming: %s", err)
		}
		if kp == nil {
			return nil, &PreKeyError{newSessionError(fmt.Sprintf("no pre-key with id %d", *msg.PreKeyID))}
		}
		ourEphemeral = kp
	}

	ourSigned, err := b.storage.LoadSignedPreKey(ctx, msg.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("init incoming: %s", err)
	}
	if ourSigned == nil {
		return nil, &PreKeyError{newSessionError(fmt.Sprintf("no signed pre-key with id %d", msg.SignedPreKeyID))}
	}

	if open := record.GetOpenSession(); open != nil {
		record.CloseSession(open)
	}

	theirEphemeral := msg.BaseKey
	session, err := b.initSession(ctx, false, ourEphemeral, ourSigned, msg.IdentityKey, &theirEphemeral, nil, msg.RegistrationID)
	if err != nil {
		return nil, fmt.Errorf("init incoming: %s", err)
	}
	record.SetSession(session)
	record.RemoveOldSessions()

	return msg.PreKeyID, nil
}

// initSession runs the mixed-DH derivation (§4.6.3): initiator forces
// ourSigned := ourEphemeral (and requires ourSigned be absent on entry);
// responder forces theirSigned := theirEphemeral symmetrically.
func (b *SessionBuilder) initSession(
	ctx context.Context,
	isInitiator bool,
	ourEphemeral *KeyPair,
	ourSigned *KeyPair,
	theirIdentity PublicKey,
	theirEphemeral *PublicKey,
	theirSigned *PublicKey,
	registrationID uint32,
) (*SessionEntry, error) {
	if isInitiator {
		if ourSigned != nil {
			return nil, newInvalidArgumentError("initiator: our_signed must be absent")
		}
		ourSigned = ourEphemeral
	} else {
		if theirSigned != nil {
			return nil, newInvalidArgumentError("responder: their_signed must be absent")
		}
		theirSigned = theirEphemeral
	}

	ourIdentity, err := b.storage.GetOurIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("init session: %s", err)
	}

	a1, err := DH(*theirSigned, ourIdentity.Priv)
	if err != nil {
		return nil, fmt.Errorf("init session: %s", err)
	}
	a2, err := DH(theirIdentity, ourSigned.Priv)
	if err != nil {
		return nil, fmt.Errorf("init session: %s", err)
	}
	a3, err := DH(*theirSigned, ourSigned.Priv)
	if err != nil {
		return nil, fmt.Errorf("init session: %s", err)
	}
	defer zero32(&a1)
	defer zero32(&a2)
	defer zero32(&a3)

	var x1, x2 [32]byte
	if isInitiator {
		x1, x2 = a1, a2
	} else {
		x1, x2 = a2, a1
	}

	sharedSecret := make([]byte, 0, 32*5)
	var f [32]byte
	for i := range f {
		f[i] = 0xff
	}
	sharedSecret = append(sharedSecret, f[:]...)
	sharedSecret = append(sharedSecret, x1[:]...)
	sharedSecret = append(sharedSecret, x2[:]...)
	sharedSecret = append(sharedSecret, a3[:]...)

	haveEphemeralAgreement := ourEphemeral != nil && theirEphemeral != nil
	var a4 [32]byte
	if haveEphemeralAgreement {
		a4, err = DH(*theirEphemeral, ourEphemeral.Priv)
		if err != nil {
			return nil, fmt.Errorf("init session: %s", err)
		}
		defer zero32(&a4)
		sharedSecret = append(sharedSecret, a4[:]...)
	}
	defer zero(sharedSecret)

	master, err := HKDF(sharedSecret, zeroSalt, hkdfInfoHandshake, 2)
	if err != nil {
		return nil, fmt.Errorf("init session: %s", err)
	}
	defer zero32(&master[0])
	defer zero32(&master[1])

	session := newSessionEntry()
	session.RegistrationID = registrationID
	session.CurrentRatchet.RootKey = master[0]

	if isInitiator {
		ephemeral, err := GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("init session: %s", err)
		}
		session.CurrentRatchet.EphemeralKeyPair = ephemeral
		session.IndexInfo.BaseKey = ourEphemeral.Pub
		session.IndexInfo.BaseKeyType = BaseKeyOurs
	} else {
		session.CurrentRatchet.EphemeralKeyPair = *ourSigned
		session.IndexInfo.BaseKey = *theirEphemeral
		session.IndexInfo.BaseKeyType = BaseKeyTheirs
	}
	session.CurrentRatchet.LastRemoteEphemeralKey = *theirSigned
	session.CurrentRatchet.PreviousCounter = 0

	session.IndexInfo.RemoteIdentityKey = theirIdentity
	session.IndexInfo.Closed = -1
	session.IndexInfo.Created = now()
	session.IndexInfo.Used = now()

	if isInitiator {
		if err := calculateSendingRatchet(session, *theirSigned); err != nil {
			return nil, fmt.Errorf("init session: %s", err)
		}
	}

	return session, nil
}

// calculateSendingRatchet seeds a fresh initiator's first sending chain
// (§4.6.4).
func calculateSendingRatchet(session *SessionEntry, remoteKey PublicKey) error {
	s, err := DH(remoteKey, session.CurrentRatchet.EphemeralKeyPair.Priv)
	if err != nil {
		return err
	}
	defer zero32(&s)

	m, err := HKDF(s[:], session.CurrentRatchet.RootKey, hkdfInfoRootChain, 2)
	if err != nil {
		return err
	}

	if err := session.AddChain(session.CurrentRatchet.EphemeralKeyPair.Pub, newChain(ChainSending, m[1])); err != nil {
		return err
	}
	zero32(&m[1])
	session.CurrentRatchet.RootKey = m[0]
	return nil
}

// randomBytes64 is a small helper around crypto/rand for XEdDSASign's
// random input.
func randomBytes64() ([64]byte, error) {
	var r [64]byte
	if _, err := io.ReadFull(rand.Reader, r[:]); err != nil {
		return r, fmt.Errorf("randomBytes64: %s", err)
	}
	return r, nil
}

package ratchet

import (
	"context"
	"fmt"
)

// MaxMessageKeysGap bounds how far into the future a single message may
// jump a chain before fillMessageKeys refuses to derive the intervening
// skipped keys (§3, §4.7.6).
const MaxMessageKeysGap = 2000

// SessionCipher encrypts and decrypts messages for one peer address,
// advancing the Double Ratchet as needed (§4.7). Every public method runs
// under addr's per-peer queue.
type SessionCipher struct {
	storage Storage
	addr    Address
}

// NewSessionCipher returns a cipher for the session with addr, backed by
// storage.
func NewSessionCipher(storage Storage, addr Address) *SessionCipher {
	return &SessionCipher{storage: storage, addr: addr}
}

// Encrypt performs a symmetric-ratchet step on the open session for addr
// and AEAD-encrypts data with the resulting message key (§4.7.1).
func (c *SessionCipher) Encrypt(ctx context.Context, data []byte) (CiphertextMessage, error) {
	return withPeerLock(c.addr, func() (CiphertextMessage, error) {
		return c.encryptLocked(ctx, data)
	})
}

func (c *SessionCipher) encryptLocked(ctx context.Context, data []byte) (CiphertextMessage, error) {
	record, err := c.storage.LoadSession(ctx, c.addr)
	if err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}
	if record == nil {
		return CiphertextMessage{}, newSessionError("No sessions")
	}
	session := record.GetOpenSession()
	if session == nil {
		return CiphertextMessage{}, newSessionError("No open session")
	}

	trusted, err := c.storage.IsTrustedIdentity(ctx, c.addr.ID(), session.IndexInfo.RemoteIdentityKey)
	if err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}
	if !trusted {
		return CiphertextMessage{}, &UntrustedIdentityKeyError{ID: c.addr.ID(), Key: session.IndexInfo.RemoteIdentityKey}
	}

	chain := session.sendingChain()
	if chain == nil || chain.ChainType != ChainSending {
		return CiphertextMessage{}, newSessionError("no sending chain for the open session")
	}

	if err := fillMessageKeys(chain, chain.ChainKey.Counter+1); err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}
	counter := uint32(chain.ChainKey.Counter)
	messageKey := chain.MessageKeys[counter]
	delete(chain.MessageKeys, counter)
	defer zero32(&messageKey)

	keys, err := HKDF(messageKey[:], zeroSalt, hkdfInfoMessageKeys, 3)
	if err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}
	defer zero32(&keys[0])
	defer zero32(&keys[1])
	defer zero32(&keys[2])
	var iv [16]byte
	copy(iv[:], keys[2][:16])

	ciphertext, err := AESCBCEncrypt(keys[0], data, iv)
	if err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}

	wm := whisperMessage{
		EphemeralKey:    session.CurrentRatchet.EphemeralKeyPair.Pub,
		Counter:         counter,
		PreviousCounter: session.CurrentRatchet.PreviousCounter,
		Ciphertext:      ciphertext,
	}
	wireBody := wm.encode()

	ourIdentity, err := c.storage.GetOurIdentity(ctx)
	if err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}
	macInput := make([]byte, 0, 33+33+1+len(wireBody))
	macInput = append(macInput, ourIdentity.Pub[:]...)
	macInput = append(macInput, session.IndexInfo.RemoteIdentityKey[:]...)
	macInput = append(macInput, versionByte())
	macInput = append(macInput, wireBody...)
	defer zero(macInput)

	fullMac := HMACSHA256(keys[1][:], macInput)
	mac := fullMac[:8]

	envelope := encodeWhisperEnvelope(wm, mac)

	var out CiphertextMessage
	ourRegistrationID, err := c.storage.GetOurRegistrationID(ctx)
	if err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}

	if session.PendingPreKey != nil {
		pkwm := preKeyWhisperMessage{
			RegistrationID: ourRegistrationID,
			PreKeyID:       session.PendingPreKey.PreKeyID,
			SignedPreKeyID: session.PendingPreKey.SignedKeyID,
			BaseKey:        session.PendingPreKey.BaseKey,
			IdentityKey:    ourIdentity.Pub,
			Message:        envelope,
		}
		out = CiphertextMessage{Type: MessageTypePreKey, Body: encodePreKeyEnvelope(pkwm), RegistrationID: ourRegistrationID}
	} else {
		out = CiphertextMessage{Type: MessageTypeWhisper, Body: envelope, RegistrationID: ourRegistrationID}
	}

	if err := c.storage.StoreSession(ctx, c.addr, record); err != nil {
		return CiphertextMessage{}, fmt.Errorf("encrypt: %s", err)
	}
	return out, nil
}

// DecryptWhisperMessage decrypts a normal (type 1) envelope by trial
// decryption over every session on record for addr (§4.7.2).
func (c *SessionCipher) DecryptWhisperMessage(ctx context.Context, data []byte) ([]byte, error) {
	return withPeerLock(c.addr, func() ([]byte, error) {
		return c.decryptWhisperMessageLocked(ctx, data)
	})
}

func (c *SessionCipher) decryptWhisperMessageLocked(ctx context.Context, data []byte) ([]byte, error) {
	record, err := c.storage.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %s", err)
	}
	if record == nil {
		return nil, newSessionError("No sessions")
	}

	session, plaintext, err := c.decryptWithSessions(ctx, data, record.GetSessions())
	if err != nil {
		return nil, err
	}

	trusted, err := c.storage.IsTrustedIdentity(ctx, c.addr.ID(), session.IndexInfo.RemoteIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %s", err)
	}
	if !trusted {
		return nil, &UntrustedIdentityKeyError{ID: c.addr.ID(), Key: session.IndexInfo.RemoteIdentityKey}
	}
	if record.IsClosed(session) {
		defaultLogger.Printf("decrypted a message on a closed session for %s", c.addr)
	}

	if err := c.storage.StoreSession(ctx, c.addr, record); err != nil {
		return nil, fmt.Errorf("decrypt: %s", err)
	}
	return plaintext, nil
}

// DecryptPreKeyWhisperMessage decrypts a type-3 envelope, first running the
// responder handshake if this base key hasn't been seen before (§4.7.3).
func (c *SessionCipher) DecryptPreKeyWhisperMessage(ctx context.Context, data []byte) ([]byte, error) {
	return withPeerLock(c.addr, func() ([]byte, error) {
		return c.decryptPreKeyWhisperMessageLocked(ctx, data)
	})
}

func (c *SessionCipher) decryptPreKeyWhisperMessageLocked(ctx context.Context, data []byte) ([]byte, error) {
	body, err := splitPreKeyEnvelope(data)
	if err != nil {
		return nil, err
	}
	preKeyMsg, err := decodePreKeyWhisperMessage(body)
	if err != nil {
		return nil, err
	}

	record, err := c.storage.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("decrypt prekey message: %s", err)
	}
	if record == nil {
		record = NewSessionRecord()
	}

	builder := NewSessionBuilder(c.storage, c.addr)
	preKeyID, err := builder.initIncomingLocked(ctx, record, preKeyMsg)
	if err != nil {
		return nil, err
	}

	session, err := record.GetSession(preKeyMsg.BaseKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, newSessionError("no session for the handshake base key")
	}

	plaintext, err := c.doDecrypt(ctx, session, preKeyMsg.Message)
	if err != nil {
		return nil, err
	}

	if err := c.storage.StoreSession(ctx, c.addr, record); err != nil {
		return nil, fmt.Errorf("decrypt prekey message: %s", err)
	}
	if preKeyID != nil {
		if err := c.storage.RemovePreKey(ctx, *preKeyID); err != nil {
			return nil, fmt.Errorf("decrypt prekey message: %s", err)
		}
	}
	return plaintext, nil
}

// decryptWithSessions trial-decrypts data against sessions in order (used-
// descending, per record.GetSessions). On success it bumps the winning
// session's used timestamp.
//
// §9 open question 2: when every attempt fails, the aggregate error is a
// generic SessionError — except when exactly one candidate session was
// tried, in which case that session's own (more specific) error is
// surfaced directly, since there is no ambiguity about which session it
// came from.
func (c *SessionCipher) decryptWithSessions(ctx context.Context, data []byte, sessions []*SessionEntry) (*SessionEntry, []byte, error) {
	if len(sessions) == 0 {
		return nil, nil, newSessionError("No sessions")
	}

	var firstErr error
	for _, session := range sessions {
		plaintext, err := c.doDecrypt(ctx, session, data)
		if err == nil {
			session.IndexInfo.Used = now()
			return session, plaintext, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(sessions) == 1 {
		return nil, nil, firstErr
	}
	return nil, nil, newSessionError("No matching sessions")
}

// doDecrypt implements §4.7.5: it speculatively mutates a clone of session
// and only commits the clone back into session on success, so a session
// is never left partially mutated after a failed decrypt attempt.
func (c *SessionCipher) doDecrypt(ctx context.Context, session *SessionEntry, messageBytes []byte) ([]byte, error) {
	clone := session.clone()

	wireBody, mac, err := splitWhisperEnvelope(messageBytes)
	if err != nil {
		return nil, err
	}
	wm, err := decodeWhisperMessage(wireBody)
	if err != nil {
		return nil, err
	}

	if err := maybeStepRatchet(clone, wm.EphemeralKey, wm.PreviousCounter); err != nil {
		return nil, fmt.Errorf("can't perform ratchet step: %w", err)
	}

	chain := clone.GetChain(wm.EphemeralKey)
	if chain == nil {
		return nil, newSessionError("no chain for the message's ephemeral key")
	}
	if chain.ChainType != ChainReceiving {
		return nil, newSessionError("expected a receiving chain")
	}

	if err := fillMessageKeys(chain, int32(wm.Counter)); err != nil {
		return nil, fmt.Errorf("can't fill message keys: %w", err)
	}
	messageKey, ok := chain.MessageKeys[wm.Counter]
	if !ok {
		return nil, newMessageCounterError("key used already or never filled")
	}
	delete(chain.MessageKeys, wm.Counter)
	defer zero32(&messageKey)

	keys, err := HKDF(messageKey[:], zeroSalt, hkdfInfoMessageKeys, 3)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt: %s", err)
	}
	defer zero32(&keys[0])
	defer zero32(&keys[1])
	defer zero32(&keys[2])

	ourIdentity, err := c.storage.GetOurIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt: %s", err)
	}
	macInput := make([]byte, 0, 33+33+1+len(wireBody))
	macInput = append(macInput, clone.IndexInfo.RemoteIdentityKey[:]...)
	macInput = append(macInput, ourIdentity.Pub[:]...)
	macInput = append(macInput, versionByte())
	macInput = append(macInput, wireBody...)
	defer zero(macInput)

	if err := VerifyMAC(macInput, keys[1][:], mac, 8); err != nil {
		return nil, err
	}

	var iv [16]byte
	copy(iv[:], keys[2][:16])
	plaintext, err := AESCBCDecrypt(keys[0], wm.Ciphertext, iv)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt: %s", err)
	}

	clone.PendingPreKey = nil
	*session = *clone
	return plaintext, nil
}

// fillMessageKeys implements §4.7.6: advances chain's symmetric ratchet up
// to (and including) untilCounter, stashing every intervening key.
func fillMessageKeys(chain *Chain, untilCounter int32) error {
	if int64(untilCounter)-int64(chain.ChainKey.Counter) > MaxMessageKeysGap {
		return newSessionError("Over 2000 messages into the future!")
	}
	for chain.ChainKey.Counter < untilCounter {
		if chain.ChainKey.Key == nil {
			return newSessionError("Chain closed")
		}
		nextCounter := chain.ChainKey.Counter + 1
		messageKey := HMACSHA256(chain.ChainKey.Key[:], []byte{0x01})
		nextChainKey := HMACSHA256(chain.ChainKey.Key[:], []byte{0x02})
		zero32(chain.ChainKey.Key)
		*chain.ChainKey.Key = nextChainKey
		chain.ChainKey.Counter = nextCounter
		chain.MessageKeys[uint32(nextCounter)] = messageKey
	}
	return nil
}

// maybeStepRatchet implements §4.7.7: performs a DH ratchet step the first
// time a new remote ephemeral key is observed; a no-op for any message that
// belongs to an already-known chain.
func maybeStepRatchet(session *SessionEntry, remoteEphemeral PublicKey, theirPreviousCounter uint32) error {
	if session.GetChain(remoteEphemeral) != nil {
		return nil
	}

	if prevRecv := session.GetChain(session.CurrentRatchet.LastRemoteEphemeralKey); prevRecv != nil {
		if err := fillMessageKeys(prevRecv, int32(theirPreviousCounter)); err != nil {
			return fmt.Errorf("can't skip previous chain message keys: %s", err)
		}
		prevRecv.close()
	}

	if err := calculateRatchet(session, remoteEphemeral, false); err != nil {
		return err
	}

	if prevSend := session.sendingChain(); prevSend != nil {
		session.CurrentRatchet.PreviousCounter = uint32(prevSend.ChainKey.Counter)
		if err := session.DeleteChain(session.CurrentRatchet.EphemeralKeyPair.Pub); err != nil {
			return err
		}
	}

	newEphemeral, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	session.CurrentRatchet.EphemeralKeyPair = newEphemeral

	if err := calculateRatchet(session, remoteEphemeral, true); err != nil {
		return err
	}
	session.CurrentRatchet.LastRemoteEphemeralKey = remoteEphemeral
	return nil
}

// calculateRatchet implements §4.7.8: derives a new chain from the current
// ratchet's root key and a fresh DH agreement.
func calculateRatchet(session *SessionEntry, remoteKey PublicKey, sending bool) error {
	s, err := DH(remoteKey, session.CurrentRatchet.EphemeralKeyPair.Priv)
	if err != nil {
		return err
	}
	defer zero32(&s)

	m, err := HKDF(s[:], session.CurrentRatchet.RootKey, hkdfInfoRootChain, 2)
	if err != nil {
		return err
	}

	var key PublicKey
	var chainType ChainType
	if sending {
		key = session.CurrentRatchet.EphemeralKeyPair.Pub
		chainType = ChainSending
	} else {
		key = remoteKey
		chainType = ChainReceiving
	}
	if err := session.AddChain(key, newChain(chainType, m[1])); err != nil {
		return err
	}
	zero32(&m[1])
	session.CurrentRatchet.RootKey = m[0]
	return nil
}

// HasOpenSession reports whether addr currently has an open session
// (§4.7.9).
func (c *SessionCipher) HasOpenSession(ctx context.Context) (bool, error) {
	return withPeerLock(c.addr, func() (bool, error) {
		record, err := c.storage.LoadSession(ctx, c.addr)
		if err != nil {
			return false, err
		}
		return record != nil && record.GetOpenSession() != nil, nil
	})
}

// CloseOpenSession closes addr's open session, if any (§4.7.9).
func (c *SessionCipher) CloseOpenSession(ctx context.Context) error {
	_, err := withPeerLock(c.addr, func() (struct{}, error) {
		record, err := c.storage.LoadSession(ctx, c.addr)
		if err != nil {
			return struct{}{}, err
		}
		if record == nil {
			return struct{}{}, nil
		}
		if open := record.GetOpenSession(); open != nil {
			record.CloseSession(open)
		}
		return struct{}{}, c.storage.StoreSession(ctx, c.addr, record)
	})
	return err
}

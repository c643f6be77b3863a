package ratchet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// now is overridden in tests for deterministic created/used/closed timestamps.
var now = func() int64 { return time.Now().UnixMilli() }

// BaseKeyType records whether a SessionEntry's index base key was generated
// by us (initiator) or observed from the peer (responder).
type BaseKeyType int

const (
	BaseKeyOurs BaseKeyType = iota
	BaseKeyTheirs
)

// CurrentRatchet is the live DH-ratchet state of a SessionEntry.
type CurrentRatchet struct {
	EphemeralKeyPair       KeyPair
	LastRemoteEphemeralKey PublicKey
	PreviousCounter        uint32
	RootKey                [32]byte
}

// IndexInfo carries a SessionEntry's bookkeeping: the key it's indexed
// under, the peer's immutable identity key, and its lifecycle timestamps.
type IndexInfo struct {
	BaseKey           PublicKey
	BaseKeyType       BaseKeyType
	RemoteIdentityKey PublicKey
	Created           int64
	Used              int64
	Closed            int64 // -1 while open.
}

// PendingPreKey is attached to an outbound initiator session until the
// first successful decrypt clears it (invariant 6, §3).
type PendingPreKey struct {
	SignedKeyID uint32
	BaseKey     PublicKey
	PreKeyID    *uint32
}

// SessionEntry is one Double Ratchet session: the live ratchet, its chains,
// index bookkeeping, and (for initiator sessions awaiting their first
// reply) the pending pre-key reference.
type SessionEntry struct {
	RegistrationID uint32
	CurrentRatchet CurrentRatchet
	IndexInfo      IndexInfo
	Chains         map[PublicKey]*Chain
	PendingPreKey  *PendingPreKey
}

func newSessionEntry() *SessionEntry {
	return &SessionEntry{Chains: make(map[PublicKey]*Chain)}
}

// AddChain inserts a chain keyed by key. Overwriting an existing chain is
// an error (invariant: chains are never silently replaced).
func (s *SessionEntry) AddChain(key PublicKey, c *Chain) error {
	if _, exists := s.Chains[key]; exists {
		return newSessionError(fmt.Sprintf("chain already exists for key %x", key))
	}
	s.Chains[key] = c
	return nil
}

// GetChain returns the chain keyed by key, or nil if none exists.
func (s *SessionEntry) GetChain(key PublicKey) *Chain {
	return s.Chains[key]
}

// DeleteChain removes the chain keyed by key. Deleting a missing chain is
// an error.
func (s *SessionEntry) DeleteChain(key PublicKey) error {
	if _, exists := s.Chains[key]; !exists {
		return newSessionError(fmt.Sprintf("no chain to delete for key %x", key))
	}
	delete(s.Chains, key)
	return nil
}

// sendingChain returns the session's one SENDING chain, keyed by the
// current ratchet's own ephemeral public key (invariant 1, §3).
func (s *SessionEntry) sendingChain() *Chain {
	return s.GetChain(s.CurrentRatchet.EphemeralKeyPair.Pub)
}

// --- serialization (§4.4) ---
//
// All byte fields are base64-encoded; the chain map is keyed by
// base64(ephemeral-pub). chain_key.key may be null (closed chain).
// pending_pre_key is present only when set.

type wireChainKey struct {
	Counter int32   `json:"counter"`
	Key     *string `json:"key"`
}

type wireChain struct {
	ChainKey    wireChainKey      `json:"chainKey"`
	ChainType   int               `json:"chainType"`
	MessageKeys map[string]string `json:"messageKeys"`
}

type wirePendingPreKey struct {
	SignedKeyID uint32  `json:"signedKeyId"`
	BaseKey     string  `json:"baseKey"`
	PreKeyID    *uint32 `json:"preKeyId,omitempty"`
}

type wireSessionEntry struct {
	RegistrationID         uint32               `json:"registrationId"`
	EphemeralKeyPairPub    string               `json:"ephemeralKeyPairPub"`
	EphemeralKeyPairPriv   string               `json:"ephemeralKeyPairPriv"`
	LastRemoteEphemeralKey string               `json:"lastRemoteEphemeralKey"`
	PreviousCounter        uint32               `json:"previousCounter"`
	RootKey                string               `json:"rootKey"`
	BaseKey                string               `json:"baseKey"`
	BaseKeyType            int                  `json:"baseKeyType"`
	RemoteIdentityKey      string               `json:"remoteIdentityKey"`
	Created                int64                `json:"created"`
	Used                   int64                `json:"used"`
	Closed                 int64                `json:"closed"`
	Chains                 map[string]wireChain `json:"chains"`
	PendingPreKey          *wirePendingPreKey   `json:"pendingPreKey,omitempty"`
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64Fixed(s string, n int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad base64: %s", err)
	}
	if len(b) != n {
		return nil, newInvalidArgumentError(fmt.Sprintf("expected %d decoded bytes, got %d", n, len(b)))
	}
	return b, nil
}

func unb64PublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := unb64Fixed(s, 33)
	if err != nil {
		return pk, err
	}
	copy(pk[:], b)
	return pk, nil
}

func unb64Key32(s string) ([32]byte, error) {
	var k [32]byte
	b, err := unb64Fixed(s, 32)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

func (s *SessionEntry) toWire() wireSessionEntry {
	w := wireSessionEntry{
		RegistrationID:         s.RegistrationID,
		EphemeralKeyPairPub:    b64(s.CurrentRatchet.EphemeralKeyPair.Pub[:]),
		EphemeralKeyPairPriv:   b64(s.CurrentRatchet.EphemeralKeyPair.Priv[:]),
		LastRemoteEphemeralKey: b64(s.CurrentRatchet.LastRemoteEphemeralKey[:]),
		PreviousCounter:        s.CurrentRatchet.PreviousCounter,
		RootKey:                b64(s.CurrentRatchet.RootKey[:]),
		BaseKey:                b64(s.IndexInfo.BaseKey[:]),
		BaseKeyType:            int(s.IndexInfo.BaseKeyType),
		RemoteIdentityKey:      b64(s.IndexInfo.RemoteIdentityKey[:]),
		Created:                s.IndexInfo.Created,
		Used:                   s.IndexInfo.Used,
		Closed:                 s.IndexInfo.Closed,
		Chains:                 make(map[string]wireChain, len(s.Chains)),
	}
	for key, c := range s.Chains {
		wc := wireChain{
			ChainKey:    wireChainKey{Counter: c.ChainKey.Counter},
			ChainType:   int(c.ChainType),
			MessageKeys: make(map[string]string, len(c.MessageKeys)),
		}
		if c.ChainKey.Key != nil {
			enc := b64(c.ChainKey.Key[:])
			wc.ChainKey.Key = &enc
		}
		for n, mk := range c.MessageKeys {
			wc.MessageKeys[fmt.Sprintf("%d", n)] = b64(mk[:])
		}
		w.Chains[b64(key[:])] = wc
	}
	if s.PendingPreKey != nil {
		w.PendingPreKey = &wirePendingPreKey{
			SignedKeyID: s.PendingPreKey.SignedKeyID,
			BaseKey:     b64(s.PendingPreKey.BaseKey[:]),
			PreKeyID:    s.PendingPreKey.PreKeyID,
		}
	}
	return w
}

// Serialize renders the session entry as a JSON tree of primitive values,
// so a session can be persisted or inspected without a binary schema.
func (s *SessionEntry) Serialize() ([]byte, error) {
	return json.Marshal(s.toWire())
}

// DeserializeSessionEntry parses data produced by Serialize, defaulting
// previous_counter to 0 and closed/used/created to -1/now/now when absent,
// and validating that every base64 field decodes to its expected length.
func DeserializeSessionEntry(data []byte) (*SessionEntry, error) {
	var w wireSessionEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("deserialize session entry: %s", err)
	}

	s := newSessionEntry()
	s.RegistrationID = w.RegistrationID

	var err error
	if s.CurrentRatchet.EphemeralKeyPair.Pub, err = unb64PublicKey(w.EphemeralKeyPairPub); err != nil {
		return nil, fmt.Errorf("ephemeralKeyPairPub: %s", err)
	}
	privBytes, err := unb64Fixed(w.EphemeralKeyPairPriv, 32)
	if err != nil {
		return nil, fmt.Errorf("ephemeralKeyPairPriv: %s", err)
	}
	copy(s.CurrentRatchet.EphemeralKeyPair.Priv[:], privBytes)

	if s.CurrentRatchet.LastRemoteEphemeralKey, err = unb64PublicKey(w.LastRemoteEphemeralKey); err != nil {
		return nil, fmt.Errorf("lastRemoteEphemeralKey: %s", err)
	}
	s.CurrentRatchet.PreviousCounter = w.PreviousCounter
	if s.CurrentRatchet.RootKey, err = unb64Key32(w.RootKey); err != nil {
		return nil, fmt.Errorf("rootKey: %s", err)
	}

	if s.IndexInfo.BaseKey, err = unb64PublicKey(w.BaseKey); err != nil {
		return nil, fmt.Errorf("baseKey: %s", err)
	}
	s.IndexInfo.BaseKeyType = BaseKeyType(w.BaseKeyType)
	if s.IndexInfo.RemoteIdentityKey, err = unb64PublicKey(w.RemoteIdentityKey); err != nil {
		return nil, fmt.Errorf("remoteIdentityKey: %s", err)
	}
	s.IndexInfo.Created = w.Created
	if s.IndexInfo.Created == 0 {
		s.IndexInfo.Created = now()
	}
	s.IndexInfo.Used = w.Used
	if s.IndexInfo.Used == 0 {
		s.IndexInfo.Used = now()
	}
	if w.Closed == 0 {
		s.IndexInfo.Closed = -1
	} else {
		s.IndexInfo.Closed = w.Closed
	}

	for keyStr, wc := range w.Chains {
		key, err := unb64PublicKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("chain key: %s", err)
		}
		c := &Chain{
			ChainKey:    ChainKey{Counter: wc.ChainKey.Counter},
			ChainType:   ChainType(wc.ChainType),
			MessageKeys: make(map[uint32][32]byte, len(wc.MessageKeys)),
		}
		if wc.ChainKey.Key != nil {
			k, err := unb64Key32(*wc.ChainKey.Key)
			if err != nil {
				return nil, fmt.Errorf("chain key material: %s", err)
			}
			c.ChainKey.Key = &k
		}
		for nStr, mkStr := range wc.MessageKeys {
			var n uint32
			if _, err := fmt.Sscanf(nStr, "%d", &n); err != nil {
				return nil, fmt.Errorf("bad message key counter %q: %s", nStr, err)
			}
			mk, err := unb64Key32(mkStr)
			if err != nil {
				return nil, fmt.Errorf("message key: %s", err)
			}
			c.MessageKeys[n] = mk
		}
		s.Chains[key] = c
	}

	if w.PendingPreKey != nil {
		baseKey, err := unb64PublicKey(w.PendingPreKey.BaseKey)
		if err != nil {
			return nil, fmt.Errorf("pendingPreKey.baseKey: %s", err)
		}
		s.PendingPreKey = &PendingPreKey{
			SignedKeyID: w.PendingPreKey.SignedKeyID,
			BaseKey:     baseKey,
			PreKeyID:    w.PendingPreKey.PreKeyID,
		}
	}

	return s, nil
}

// clone deep-copies a SessionEntry so mutating operations can be applied
// speculatively and discarded on failure: callers mutate the clone and
// only assign it back over the original once the operation succeeds.
func (s *SessionEntry) clone() *SessionEntry {
	c := *s
	c.Chains = make(map[PublicKey]*Chain, len(s.Chains))
	for k, ch := range s.Chains {
		chCopy := *ch
		if ch.ChainKey.Key != nil {
			kc := *ch.ChainKey.Key
			chCopy.ChainKey.Key = &kc
		}
		chCopy.MessageKeys = make(map[uint32][32]byte, len(ch.MessageKeys))
		for n, mk := range ch.MessageKeys {
			chCopy.MessageKeys[n] = mk
		}
		c.Chains[k] = &chCopy
	}
	if s.PendingPreKey != nil {
		pp := *s.PendingPreKey
		c.PendingPreKey = &pp
	}
	return &c
}

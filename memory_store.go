package ratchet

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Storage, useful for tests and short-lived
// processes. It holds one identity, one registration id, and per-peer
// session records, pre-keys, and signed pre-keys, all guarded by a single
// mutex (operations for the same peer are already serialized one level up
// by the per-peer queue; this mutex protects the maps themselves against
// concurrent calls for distinct peers).
type MemoryStore struct {
	mu sync.Mutex

	ourIdentity    KeyPair
	registrationID uint32

	identities map[string]PublicKey
	sessions   map[string]*SessionRecord
	preKeys    map[uint32]KeyPair
	signedKeys map[uint32]KeyPair
}

// NewMemoryStore returns a store seeded with our identity and registration
// id. Both are immutable for the store's lifetime.
func NewMemoryStore(ourIdentity KeyPair, registrationID uint32) *MemoryStore {
	return &MemoryStore{
		ourIdentity:    ourIdentity,
		registrationID: registrationID,
		identities:     make(map[string]PublicKey),
		sessions:       make(map[string]*SessionRecord),
		preKeys:        make(map[uint32]KeyPair),
		signedKeys:     make(map[uint32]KeyPair),
	}
}

func (s *MemoryStore) GetOurIdentity(ctx context.Context) (KeyPair, error) {
	return s.ourIdentity, nil
}

func (s *MemoryStore) GetOurRegistrationID(ctx context.Context) (uint32, error) {
	return s.registrationID, nil
}

// IsTrustedIdentity implements trust-on-first-use: the first identity key
// ever seen for id is remembered and trusted; any later key for the same
// id is untrusted unless it's byte-identical to the remembered one.
func (s *MemoryStore) IsTrustedIdentity(ctx context.Context, id string, key PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.identities[id]
	if !ok {
		s.identities[id] = key
		return true, nil
	}
	return existing == key, nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, addr Address) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[addr.String()], nil
}

func (s *MemoryStore) StoreSession(ctx context.Context, addr Address, record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[addr.String()] = record
	return nil
}

func (s *MemoryStore) LoadPreKey(ctx context.Context, id uint32) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.preKeys[id]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}

// StorePreKey adds a one-time pre-key for later consumption by InitIncoming.
// Not part of the Storage interface the engine consumes; used by whatever
// populates the bundle the engine's peer fetches out of band.
func (s *MemoryStore) StorePreKey(id uint32, kp KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[id] = kp
}

func (s *MemoryStore) RemovePreKey(ctx context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, id)
	return nil
}

func (s *MemoryStore) LoadSignedPreKey(ctx context.Context, id uint32) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.signedKeys[id]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}

// StoreSignedPreKey adds a signed pre-key. See StorePreKey.
func (s *MemoryStore) StoreSignedPreKey(id uint32, kp KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedKeys[id] = kp
}

// GenerateSignedPreKey creates a fresh signed pre-key pair, signs its public
// key with ourIdentity via XEdDSA, and registers it under id. It returns the
// wire-shaped SignedPreKey ready to publish in a PreKeyBundle.
func (s *MemoryStore) GenerateSignedPreKey(id uint32) (SignedPreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return SignedPreKey{}, err
	}
	random, err := randomBytes64()
	if err != nil {
		return SignedPreKey{}, err
	}
	sig, err := XEdDSASign(s.ourIdentity.Priv, kp.Pub[:], random)
	if err != nil {
		return SignedPreKey{}, err
	}
	s.StoreSignedPreKey(id, kp)
	return SignedPreKey{KeyID: id, PublicKey: kp.Pub, Signature: sig}, nil
}

// GenerateOneTimePreKey creates a fresh one-time pre-key pair and registers
// it under id. It returns the wire-shaped OneTimePreKey ready to publish in
// a PreKeyBundle.
func (s *MemoryStore) GenerateOneTimePreKey(id uint32) (OneTimePreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return OneTimePreKey{}, err
	}
	s.StorePreKey(id, kp)
	return OneTimePreKey{KeyID: id, PublicKey: kp.Pub}, nil
}

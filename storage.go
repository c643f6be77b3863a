package ratchet

import "context"

// Storage is the narrow capability set the engine consumes for persistent
// state (§6.1). It never mutates engine state directly; the engine loads a
// record, mutates it, and stores it back within a single queued job. All methods
// may fail; implementations are assumed safe to call concurrently for
// DIFFERENT peers, and are never called twice concurrently for the same
// peer by this engine.
type Storage interface {
	// GetOurIdentity returns our long-term identity key pair.
	GetOurIdentity(ctx context.Context) (KeyPair, error)
	// GetOurRegistrationID returns our 14-bit registration id.
	GetOurRegistrationID(ctx context.Context) (uint32, error)
	// IsTrustedIdentity performs a TOFU or policy trust check for a peer's
	// identity key.
	IsTrustedIdentity(ctx context.Context, id string, key PublicKey) (bool, error)
	// LoadSession returns the deserialized session record for addr, or nil
	// if none exists.
	LoadSession(ctx context.Context, addr Address) (*SessionRecord, error)
	// StoreSession atomically persists a (possibly pruned) record.
	StoreSession(ctx context.Context, addr Address, record *SessionRecord) error
	// LoadPreKey looks up a one-time pre-key by id.
	LoadPreKey(ctx context.Context, id uint32) (*KeyPair, error)
	// LoadSignedPreKey looks up a medium-term signed pre-key by id.
	LoadSignedPreKey(ctx context.Context, id uint32) (*KeyPair, error)
	// RemovePreKey deletes a consumed one-time pre-key. Idempotent.
	RemovePreKey(ctx context.Context, id uint32) error
}

// SignedPreKey is the signed pre-key half of a PreKeyBundle.
type SignedPreKey struct {
	KeyID     uint32
	PublicKey PublicKey
	Signature [64]byte
}

// OneTimePreKey is the optional one-time pre-key half of a PreKeyBundle.
type OneTimePreKey struct {
	KeyID     uint32
	PublicKey PublicKey
}

// PreKeyBundle is what a prospective initiator fetches about a peer device
// before calling SessionBuilder.InitOutgoing.
type PreKeyBundle struct {
	RegistrationID uint32
	IdentityKey    PublicKey
	SignedPreKey   SignedPreKey
	PreKey         *OneTimePreKey // absent when the peer has exhausted one-time pre-keys.
}

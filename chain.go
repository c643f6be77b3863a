package ratchet

// ChainType distinguishes a SessionEntry's single sending chain from its
// (possibly many) receiving chains.
type ChainType int

const (
	// ChainSending is the chain keyed by our own current ratchet ephemeral
	// public key; a SessionEntry has exactly one.
	ChainSending ChainType = iota
	// ChainReceiving is a chain keyed by an observed remote ephemeral
	// public key.
	ChainReceiving
)

// ChainKey is the symmetric ratchet's per-chain state: a signed counter
// (starting at -1, so the first derived key lands at counter 0) and the
// current 32-byte chain key. Key is nil once the chain is closed: no
// further message keys can be derived, though previously produced entries
// in MessageKeys remain usable until consumed.
type ChainKey struct {
	Counter int32
	Key     *[32]byte
}

// Closed reports whether this chain can still yield new message keys.
func (ck ChainKey) Closed() bool { return ck.Key == nil }

// Chain is one sending or receiving ratchet chain: its chain key plus any
// message keys derived-but-not-yet-consumed (to tolerate out-of-order
// delivery, bounded by MaxMessageKeysGap).
type Chain struct {
	ChainKey     ChainKey
	ChainType    ChainType
	MessageKeys  map[uint32][32]byte
}

func newChain(chainType ChainType, key [32]byte) *Chain {
	k := key
	return &Chain{
		ChainKey:    ChainKey{Counter: -1, Key: &k},
		ChainType:   chainType,
		MessageKeys: make(map[uint32][32]byte),
	}
}

// close erases the chain key, zeroizing it first. Previously derived,
// unconsumed message keys are left in place.
func (c *Chain) close() {
	if c.ChainKey.Key != nil {
		zero32(c.ChainKey.Key)
		c.ChainKey.Key = nil
	}
}

// zeroizeMessageKeys scrubs every retained skipped message key; used when a
// chain is being dropped entirely (e.g. record pruning).
func (c *Chain) zeroizeMessageKeys() {
	for n := range c.MessageKeys {
		c.MessageKeys[n] = [32]byte{}
		delete(c.MessageKeys, n)
	}
}

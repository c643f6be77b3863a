package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func withFrozenNow(t *testing.T, ts int64) {
	old := now
	now = func() int64 { return ts }
	t.Cleanup(func() { now = old })
}

func newTestSessionEntry(t *testing.T) *SessionEntry {
	withFrozenNow(t, 1000)

	eph, err := GenerateKeyPair()
	require.Nil(t, err)
	remoteIdentity, err := GenerateKeyPair()
	require.Nil(t, err)

	s := newSessionEntry()
	s.RegistrationID = 7
	s.CurrentRatchet.EphemeralKeyPair = eph
	s.CurrentRatchet.LastRemoteEphemeralKey = remoteIdentity.Pub
	s.CurrentRatchet.RootKey = [32]byte{0xaa}
	s.IndexInfo.BaseKey = eph.Pub
	s.IndexInfo.RemoteIdentityKey = remoteIdentity.Pub
	s.IndexInfo.Created = now()
	s.IndexInfo.Used = now()
	s.IndexInfo.Closed = -1
	require.Nil(t, s.AddChain(eph.Pub, newChain(ChainSending, [32]byte{0x01})))
	return s
}

func TestSessionEntry_AddGetDeleteChain(t *testing.T) {
	// Arrange.
	s := newTestSessionEntry(t)
	key := s.IndexInfo.BaseKey

	// Assert.
	require.NotNil(t, s.GetChain(key))

	// Act & assert: adding over an existing key is an error.
	require.NotNil(t, s.AddChain(key, newChain(ChainSending, [32]byte{0x02})))

	// Act.
	require.Nil(t, s.DeleteChain(key))

	// Assert.
	require.Nil(t, s.GetChain(key))
	require.NotNil(t, s.DeleteChain(key))
}

func TestSessionEntry_SendingChain(t *testing.T) {
	// Arrange.
	s := newTestSessionEntry(t)

	// Act & assert.
	require.Equal(t, s.GetChain(s.CurrentRatchet.EphemeralKeyPair.Pub), s.sendingChain())
}

func TestSessionEntry_Clone_IsIndependent(t *testing.T) {
	// Arrange.
	s := newTestSessionEntry(t)
	key := s.IndexInfo.BaseKey

	// Act.
	clone := s.clone()
	clone.GetChain(key).ChainKey.Counter = 99
	clone.DeleteChain(key)
	clone.IndexInfo.Used = 5555

	// Assert.
	require.EqualValues(t, -1, s.GetChain(key).ChainKey.Counter)
	require.NotNil(t, s.GetChain(key))
	require.NotEqual(t, int64(5555), s.IndexInfo.Used)
}

func TestSessionEntry_Serialize_DeserializeRoundTrip(t *testing.T) {
	// Arrange.
	s := newTestSessionEntry(t)
	s.GetChain(s.IndexInfo.BaseKey).MessageKeys[0] = [32]byte{0x55}
	preKeyID := uint32(3)
	s.PendingPreKey = &PendingPreKey{SignedKeyID: 1, BaseKey: s.IndexInfo.BaseKey, PreKeyID: &preKeyID}

	// Act.
	data, err := s.Serialize()
	require.Nil(t, err)
	restored, err := DeserializeSessionEntry(data)

	// Assert.
	require.Nil(t, err)
	require.Equal(t, s.RegistrationID, restored.RegistrationID)
	require.Equal(t, s.CurrentRatchet, restored.CurrentRatchet)
	require.Equal(t, s.IndexInfo, restored.IndexInfo)
	require.Equal(t, s.PendingPreKey, restored.PendingPreKey)
	require.Len(t, restored.Chains, 1)
	restoredChain := restored.GetChain(s.IndexInfo.BaseKey)
	require.NotNil(t, restoredChain)
	require.Equal(t, [32]byte{0x55}, restoredChain.MessageKeys[0])
}

func TestSessionEntry_Serialize_ClosedChainHasNilKey(t *testing.T) {
	// Arrange.
	s := newTestSessionEntry(t)
	s.GetChain(s.IndexInfo.BaseKey).close()

	// Act.
	data, err := s.Serialize()
	require.Nil(t, err)
	restored, err := DeserializeSessionEntry(data)

	// Assert.
	require.Nil(t, err)
	require.Nil(t, restored.GetChain(s.IndexInfo.BaseKey).ChainKey.Key)
}

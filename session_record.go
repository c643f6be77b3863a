package ratchet

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
)

// SessionRecordVersion is written into every freshly-serialized record.
const SessionRecordVersion = "v1"

// ClosedSessionsMax bounds a record's total session count; once exceeded,
// RemoveOldSessions evicts the oldest-closed session first.
const ClosedSessionsMax = 40

// SessionRecord is the collection of SessionEntries for one peer, keyed by
// each entry's index_info.base_key, in insertion order. At most one
// contained session may be open at a time (invariant 4, §3).
type SessionRecord struct {
	keys     []PublicKey
	sessions map[PublicKey]*SessionEntry
	version  string
	logger   *log.Logger
}

// NewSessionRecord returns an empty record.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{
		sessions: make(map[PublicKey]*SessionEntry),
		version:  SessionRecordVersion,
		logger:   defaultLogger,
	}
}

// GetSession looks up the session stored at baseKey. It returns (nil, nil)
// if no such session exists. It is an error for the caller to look up a
// session by a key whose base_key_type is OURS: the responder must never
// attempt to decrypt using a base key it generated itself.
func (r *SessionRecord) GetSession(baseKey PublicKey) (*SessionEntry, error) {
	s, ok := r.sessions[baseKey]
	if !ok {
		return nil, nil
	}
	if s.IndexInfo.BaseKeyType == BaseKeyOurs {
		return nil, newInvalidArgumentError("cannot get a session by a base key of type OURS")
	}
	return s, nil
}

// GetOpenSession returns the one session with closed == -1, or nil if none.
func (r *SessionRecord) GetOpenSession() *SessionEntry {
	for _, key := range r.keys {
		if s := r.sessions[key]; s.IndexInfo.Closed == -1 {
			return s
		}
	}
	return nil
}

// SetSession inserts or replaces the session keyed by its own base key.
// Replacing an existing entry under the same base key is legal (used by the
// responder on a retransmitted PreKey message) and keeps that key's
// original insertion position.
func (r *SessionRecord) SetSession(s *SessionEntry) {
	key := s.IndexInfo.BaseKey
	if _, exists := r.sessions[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.sessions[key] = s
}

// GetSessions returns every session, ordered by index_info.used descending
// (most recently used first) — the order decrypt_with_sessions trial-
// decrypts in.
func (r *SessionRecord) GetSessions() []*SessionEntry {
	out := make([]*SessionEntry, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, r.sessions[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IndexInfo.Used > out[j].IndexInfo.Used
	})
	return out
}

// CloseSession marks s closed. Idempotent; closing an already-closed
// session only logs a warning.
func (r *SessionRecord) CloseSession(s *SessionEntry) {
	if s.IndexInfo.Closed != -1 {
		r.logger.Printf("session %x is already closed", s.IndexInfo.BaseKey)
		return
	}
	s.IndexInfo.Closed = now()
}

// OpenSession reopens s.
func (r *SessionRecord) OpenSession(s *SessionEntry) {
	s.IndexInfo.Closed = -1
}

// IsClosed reports whether s is closed.
func (r *SessionRecord) IsClosed(s *SessionEntry) bool {
	return s.IndexInfo.Closed != -1
}

// RemoveOldSessions evicts closed sessions, oldest-closed first, while the
// record holds more than ClosedSessionsMax sessions. If the count exceeds
// the limit but no closed session remains to evict, it warns and stops:
// open sessions are never evicted.
func (r *SessionRecord) RemoveOldSessions() {
	for len(r.keys) > ClosedSessionsMax {
		oldestIdx := -1
		var oldestClosed int64
		for i, key := range r.keys {
			s := r.sessions[key]
			if s.IndexInfo.Closed == -1 {
				continue
			}
			if oldestIdx == -1 || s.IndexInfo.Closed < oldestClosed {
				oldestIdx = i
				oldestClosed = s.IndexInfo.Closed
			}
		}
		if oldestIdx == -1 {
			r.logger.Printf("%d sessions open, none closed to evict", len(r.keys))
			return
		}
		key := r.keys[oldestIdx]
		for _, c := range r.sessions[key].Chains {
			c.zeroizeMessageKeys()
			c.close()
		}
		delete(r.sessions, key)
		r.keys = append(r.keys[:oldestIdx], r.keys[oldestIdx+1:]...)
	}
}

// --- serialization (§4.5, §6.5) ---

type wireSessionRecord struct {
	Sessions       map[string]wireSessionEntry `json:"_sessions"`
	Version        string                      `json:"version"`
	RegistrationID *uint32                     `json:"registration_id,omitempty"`
}

// Serialize renders {_sessions: {...}, version: "v1"}.
func (r *SessionRecord) Serialize() ([]byte, error) {
	w := wireSessionRecord{
		Sessions: make(map[string]wireSessionEntry, len(r.keys)),
		Version:  SessionRecordVersion,
	}
	for _, key := range r.keys {
		w.Sessions[b64(key[:])] = r.sessions[key].toWire()
	}
	return json.Marshal(w)
}

// DeserializeSessionRecord parses data produced by Serialize (or an older
// version), running registered migrations in order when the loaded version
// is missing or older than "v1".
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	var w wireSessionRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("deserialize session record: %s", err)
	}

	r := &SessionRecord{
		sessions: make(map[PublicKey]*SessionEntry, len(w.Sessions)),
		version:  SessionRecordVersion,
		logger:   defaultLogger,
	}

	keyStrs := make([]string, 0, len(w.Sessions))
	for k := range w.Sessions {
		keyStrs = append(keyStrs, k)
	}
	sort.Strings(keyStrs)

	entries := make(map[string]*SessionEntry, len(w.Sessions))
	for _, keyStr := range keyStrs {
		b, err := json.Marshal(w.Sessions[keyStr])
		if err != nil {
			return nil, err
		}
		entry, err := DeserializeSessionEntry(b)
		if err != nil {
			return nil, fmt.Errorf("session %s: %s", keyStr, err)
		}
		entries[keyStr] = entry
	}

	if w.Version == "" || w.Version < SessionRecordVersion {
		migrateToV1(entries, w.RegistrationID, r.logger)
	}

	for _, keyStr := range keyStrs {
		key, err := unb64PublicKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("session key: %s", err)
		}
		r.keys = append(r.keys, key)
		r.sessions[key] = entries[keyStr]
	}

	return r, nil
}

// migrateToV1 implements the v1 migration (§4.5): a legacy top-level
// registration_id is copied into any contained session missing one;
// otherwise each OPEN session missing a registration_id is logged, not
// raised.
func migrateToV1(entries map[string]*SessionEntry, legacyRegistrationID *uint32, logger *log.Logger) {
	for keyStr, entry := range entries {
		if entry.RegistrationID != 0 {
			continue
		}
		if legacyRegistrationID != nil {
			entry.RegistrationID = *legacyRegistrationID
			continue
		}
		if entry.IndexInfo.Closed == -1 {
			logger.Printf("v1 migration: open session %s has no registration id", keyStr)
		}
	}
}

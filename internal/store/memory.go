package store

import (
	"sort"
	"sync"
	"time"

	"cipherfan/internal/domain"
)

// MemoryKeyStore keeps all key material in process memory. It suits tests and
// ephemeral clients. All methods are concurrency-safe.
type MemoryKeyStore struct {
	mu  sync.Mutex
	now func() time.Time

	identity     *domain.Identity
	registration *domain.LocalRegistration

	preKeys   map[domain.KeyID]domain.PreKey
	nextKeyID domain.KeyID

	signedPreKeys map[domain.KeyID]domain.SignedPreKey
	currentSPK    *domain.KeyID

	sessions map[domain.DeviceAddress]domain.Session
}

var _ domain.KeyStore = (*MemoryKeyStore)(nil)

// NewMemoryKeyStore returns an empty in-memory store. A nil clock means time.Now.
func NewMemoryKeyStore(now func() time.Time) *MemoryKeyStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryKeyStore{
		now:           now,
		preKeys:       make(map[domain.KeyID]domain.PreKey),
		nextKeyID:     1,
		signedPreKeys: make(map[domain.KeyID]domain.SignedPreKey),
		sessions:      make(map[domain.DeviceAddress]domain.Session),
	}
}

func (s *MemoryKeyStore) StoreIdentityKeyPair(id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
	return nil
}

func (s *MemoryKeyStore) GetIdentityKeyPair() (domain.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return domain.Identity{}, false, nil
	}
	return *s.identity, true, nil
}

func (s *MemoryKeyStore) StoreLocalRegistration(reg domain.LocalRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registration = &reg
	return nil
}

func (s *MemoryKeyStore) GetLocalRegistration() (domain.LocalRegistration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registration == nil {
		return domain.LocalRegistration{}, false, nil
	}
	return *s.registration, true, nil
}

func (s *MemoryKeyStore) StorePreKeys(batch []domain.PreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pk := range batch {
		s.preKeys[pk.KeyID] = pk
		if pk.KeyID >= s.nextKeyID {
			s.nextKeyID = pk.KeyID + 1
		}
	}
	return nil
}

func (s *MemoryKeyStore) GetPreKey(id domain.KeyID) (domain.PreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.preKeys[id]
	return pk, ok, nil
}

func (s *MemoryKeyStore) RemovePreKey(id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, id)
	return nil
}

func (s *MemoryKeyStore) TakePreKey(id domain.KeyID) (domain.PreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.preKeys[id]
	if ok {
		delete(s.preKeys, id)
	}
	return pk, ok, nil
}

func (s *MemoryKeyStore) GetPreKeyCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.preKeys), nil
}

func (s *MemoryKeyStore) ListPreKeys() ([]domain.PreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PreKey, 0, len(s.preKeys))
	for _, pk := range s.preKeys {
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *MemoryKeyStore) ReservePreKeyIDs(n int) (domain.KeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextKeyID
	s.nextKeyID += domain.KeyID(n)
	return first, nil
}

func (s *MemoryKeyStore) StoreSignedPreKey(spk domain.SignedPreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedPreKeys[spk.KeyID] = spk
	return nil
}

func (s *MemoryKeyStore) GetSignedPreKey(id domain.KeyID) (domain.SignedPreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spk, ok := s.signedPreKeys[id]
	return spk, ok, nil
}

func (s *MemoryKeyStore) SetCurrentSignedPreKeyID(id domain.KeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSPK = &id
	return nil
}

func (s *MemoryKeyStore) CurrentSignedPreKey() (domain.SignedPreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentSPK == nil {
		return domain.SignedPreKey{}, false, nil
	}
	spk, ok := s.signedPreKeys[*s.currentSPK]
	return spk, ok, nil
}

func (s *MemoryKeyStore) StoreSession(user domain.UserID, device domain.DeviceID, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[domain.DeviceAddress{UserID: user, DeviceID: device}] = copySession(session)
	return nil
}

func (s *MemoryKeyStore) GetSession(user domain.UserID, device domain.DeviceID) (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[domain.DeviceAddress{UserID: user, DeviceID: device}]
	if !ok {
		return domain.Session{}, false, nil
	}
	return copySession(sess), true, nil
}

func (s *MemoryKeyStore) DeleteSession(user domain.UserID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, domain.DeviceAddress{UserID: user, DeviceID: device})
	return nil
}

func (s *MemoryKeyStore) GetAllSessions() ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryKeyStore) GetSessionsForUser(user domain.UserID) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for addr, sess := range s.sessions {
		if addr.UserID == user {
			out = append(out, copySession(sess))
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryKeyStore) CleanupOldSessions(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge).UnixMilli()
	removed := 0
	for addr, sess := range s.sessions {
		if sess.LastUsedAt < cutoff {
			delete(s.sessions, addr)
			removed++
		}
	}
	return removed, nil
}

// copySession detaches a session from the caller's buffers.
func copySession(s domain.Session) domain.Session {
	s.State = s.State.Clone()
	if s.Pending != nil {
		p := *s.Pending
		if p.PreKeyID != nil {
			id := *p.PreKeyID
			p.PreKeyID = &id
		}
		s.Pending = &p
	}
	return s
}

func sortSessions(ss []domain.Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].PeerUserID != ss[j].PeerUserID {
			return ss[i].PeerUserID < ss[j].PeerUserID
		}
		return ss[i].PeerDeviceID < ss[j].PeerDeviceID
	})
}

package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
	"cipherfan/internal/protocol/ratchet"
	"cipherfan/internal/protocol/x3dh"
	"cipherfan/internal/telemetry/metric"
)

// Service owns session lifecycle and per-device encrypt/decrypt.
//
// Every operation on a given (user, device) session runs under that session's
// lock and works on a copy of the ratchet state; the copy is persisted only
// when the operation succeeds.
type Service struct {
	store   domain.KeyStore
	crypto  domain.CryptoProvider
	logger  hclog.Logger
	metrics *metric.Registry
	now     func() time.Time

	compressFiles bool
	maxFileSize   int64

	locks lockTable

	idMu     sync.Mutex
	identity *domain.Identity
	regID    domain.RegistrationID
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the parent logger.
func WithLogger(l hclog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithFileCompression compresses file payloads with LZ4 before encryption
// when that makes them smaller.
func WithFileCompression(on bool) Option { return func(s *Service) { s.compressFiles = on } }

// WithMaxFileSize bounds decrypted file payloads.
func WithMaxFileSize(n int64) Option { return func(s *Service) { s.maxFileSize = n } }

// DefaultMaxFileSize is the largest file payload accepted by DecryptFile.
const DefaultMaxFileSize = 256 << 20

// New returns a session service over store using provider for all primitives.
func New(store domain.KeyStore, provider domain.CryptoProvider, opts ...Option) *Service {
	s := &Service{
		store:       store,
		crypto:      provider,
		now:         time.Now,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}
	s.logger = s.logger.Named("session")
	if s.metrics == nil {
		s.metrics = metric.NewRegistry()
	}
	return s
}

// HasSession reports whether a session with the device is stored.
func (s *Service) HasSession(user domain.UserID, device domain.DeviceID) (bool, error) {
	_, ok, err := s.store.GetSession(user, device)
	return ok, err
}

// SessionInfo returns the non-secret summary of one session.
func (s *Service) SessionInfo(user domain.UserID, device domain.DeviceID) (domain.SessionInfo, bool, error) {
	sess, ok, err := s.store.GetSession(user, device)
	if err != nil || !ok {
		return domain.SessionInfo{}, ok, err
	}
	return sess.Info(), true, nil
}

// ListSessions summarises every stored session.
func (s *Service) ListSessions() ([]domain.SessionInfo, error) {
	all, err := s.store.GetAllSessions()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionInfo, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.Info())
	}
	return out, nil
}

// CreateSession runs the initiator handshake against bundle and stores the
// resulting session, replacing any previous one.
func (s *Service) CreateSession(user domain.UserID, device domain.DeviceID, bundle domain.KeyBundle) error {
	addr := domain.DeviceAddress{UserID: user, DeviceID: device}
	unlock := s.locks.lock(addr)
	defer unlock()

	id, _, err := s.localIdentity()
	if err != nil {
		return domain.NewError(domain.KindSessionCreationFailed, "load local identity", err)
	}

	hs, err := x3dh.InitiatorRoot(s.crypto, id, bundle)
	if err != nil {
		return domain.NewError(domain.KindSessionCreationFailed, "x3dh with "+addr.String(), err)
	}
	st, err := ratchet.InitAsInitiator(s.crypto.Reader(), hs.RootKey, bundle.SignedPreKey.PublicKey)
	if err != nil {
		return domain.NewError(domain.KindSessionCreationFailed, "initialise ratchet", err)
	}

	now := s.now().UnixMilli()
	pending := hs.Message
	sess := domain.Session{
		PeerUserID:           user,
		PeerDeviceID:         device,
		RemoteRegistrationID: bundle.RegistrationID,
		RemoteIdentityKey:    bundle.IdentityKey,
		BaseKey:              pending.BaseKey,
		Pending:              &pending,
		State:                st,
		CreatedAt:            now,
		LastUsedAt:           now,
	}
	if err := s.store.StoreSession(user, device, sess); err != nil {
		return domain.NewError(domain.KindSessionCreationFailed, "persist session", err)
	}

	s.metrics.SessionsEstablished.WithLabelValues("initiator").Inc()
	s.logger.Debug("session created", "peer", addr.String(), "one_time_prekey", bundle.PreKey != nil)
	return nil
}

// Encrypt seals plaintext for one device. Until the peer has answered, the
// output is a prekey message carrying the handshake parameters.
func (s *Service) Encrypt(user domain.UserID, device domain.DeviceID, plaintext []byte) (domain.EncryptedMessage, error) {
	if len(plaintext) == 0 {
		return domain.EncryptedMessage{}, domain.Errorf(domain.KindEncryptionFailed, "empty plaintext")
	}
	addr := domain.DeviceAddress{UserID: user, DeviceID: device}
	unlock := s.locks.lock(addr)
	defer unlock()

	id, regID, err := s.localIdentity()
	if err != nil {
		return domain.EncryptedMessage{}, domain.NewError(domain.KindEncryptionFailed, "load local identity", err)
	}
	sess, ok, err := s.store.GetSession(user, device)
	if err != nil {
		return domain.EncryptedMessage{}, domain.NewError(domain.KindEncryptionFailed, "load session", err)
	}
	if !ok {
		return domain.EncryptedMessage{}, domain.Errorf(domain.KindEncryptionFailed, "no session with %s", addr)
	}

	st := sess.State.Clone()
	header, ct, err := ratchet.Encrypt(s.crypto.Reader(), &st, associatedData(id.XPub, sess.RemoteIdentityKey), plaintext)
	if err != nil {
		return domain.EncryptedMessage{}, domain.NewError(domain.KindEncryptionFailed, "ratchet encrypt", err)
	}

	body, err := json.Marshal(domain.WireBody{PreKey: sess.Pending, Header: header, Cipher: ct})
	if err != nil {
		return domain.EncryptedMessage{}, domain.NewError(domain.KindEncryptionFailed, "encode body", err)
	}

	sess.State = st
	sess.MessageCount++
	sess.LastUsedAt = s.now().UnixMilli()
	if err := s.store.StoreSession(user, device, sess); err != nil {
		return domain.EncryptedMessage{}, domain.NewError(domain.KindEncryptionFailed, "persist session", err)
	}

	typ := domain.MessageTypeMessage
	if sess.Pending != nil {
		typ = domain.MessageTypePreKey
	}
	return domain.EncryptedMessage{Type: typ, RegistrationID: regID, Body: body}, nil
}

// Decrypt opens a message from one device. Integrity failures delete the
// session and return SessionCorrupted; plaintext is released only when the
// ratchet advanced and the new state was stored.
func (s *Service) Decrypt(user domain.UserID, device domain.DeviceID, msg domain.EncryptedMessage) ([]byte, error) {
	addr := domain.DeviceAddress{UserID: user, DeviceID: device}
	unlock := s.locks.lock(addr)
	defer unlock()

	var (
		pt  []byte
		err error
	)
	switch msg.Type {
	case domain.MessageTypePreKey:
		pt, err = s.decryptPreKey(addr, msg)
	case domain.MessageTypeMessage:
		pt, err = s.decryptMessage(addr, msg)
	default:
		err = domain.Errorf(domain.KindInvalidCiphertext, "unknown message type %q", msg.Type)
	}
	if err != nil {
		s.metrics.DecryptFailures.WithLabelValues(string(domain.KindOf(err))).Inc()
		return nil, err
	}
	return pt, nil
}

func (s *Service) decryptMessage(addr domain.DeviceAddress, msg domain.EncryptedMessage) ([]byte, error) {
	sess, ok, err := s.store.GetSession(addr.UserID, addr.DeviceID)
	if err != nil {
		return nil, domain.NewError(domain.KindSessionCorrupted, "load session", err)
	}
	if !ok {
		return nil, domain.Errorf(domain.KindSessionCorrupted, "message-type ciphertext from %s without a session", addr)
	}

	var body domain.WireBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, domain.NewError(domain.KindInvalidCiphertext, "decode body", err)
	}

	id, _, err := s.localIdentity()
	if err != nil {
		return nil, domain.NewError(domain.KindSessionCorrupted, "load local identity", err)
	}
	return s.open(addr, sess, id, body)
}

func (s *Service) decryptPreKey(addr domain.DeviceAddress, msg domain.EncryptedMessage) ([]byte, error) {
	var body domain.WireBody
	if err := json.Unmarshal(msg.Body, &body); err != nil || body.PreKey == nil {
		if err == nil {
			err = errors.New("missing handshake parameters")
		}
		s.corrupt(addr, "malformed prekey message")
		return nil, domain.NewError(domain.KindSessionCorrupted, "decode prekey message", err)
	}
	pk := *body.PreKey

	id, _, err := s.localIdentity()
	if err != nil {
		return nil, domain.NewError(domain.KindSessionCorrupted, "load local identity", err)
	}

	existing, ok, err := s.store.GetSession(addr.UserID, addr.DeviceID)
	if err != nil {
		return nil, domain.NewError(domain.KindSessionCorrupted, "load session", err)
	}
	if ok && existing.BaseKey.Equal(pk.BaseKey) {
		// Another message of a handshake we already accepted.
		return s.open(addr, existing, id, body)
	}

	sess, opk, err := s.acceptHandshake(addr, id, msg.RegistrationID, pk, body.Header)
	if err != nil {
		s.restorePreKey(opk)
		s.corrupt(addr, "handshake failed")
		return nil, domain.NewError(domain.KindSessionCorrupted, "accept handshake from "+addr.String(), err)
	}

	pt, err := s.open(addr, sess, id, body)
	if err != nil {
		s.restorePreKey(opk)
		return nil, err
	}
	s.metrics.SessionsEstablished.WithLabelValues("responder").Inc()
	s.logger.Debug("session accepted", "peer", addr.String(), "one_time_prekey", opk != nil)
	return pt, nil
}

// restorePreKey puts back a one-time prekey taken by a handshake that did
// not complete.
func (s *Service) restorePreKey(opk *domain.PreKey) {
	if opk == nil {
		return
	}
	if err := s.store.StorePreKeys([]domain.PreKey{*opk}); err != nil {
		s.logger.Warn("failed to restore one-time prekey", "key_id", opk.KeyID, "error", err)
	}
}

// acceptHandshake derives a fresh responder session. The named one-time
// prekey is taken from the store and returned, even alongside an error, so
// the caller can restore it; nothing else is persisted.
func (s *Service) acceptHandshake(
	addr domain.DeviceAddress,
	id domain.Identity,
	remoteReg domain.RegistrationID,
	pk domain.PreKeyMessage,
	header domain.RatchetHeader,
) (domain.Session, *domain.PreKey, error) {
	if len(header.DiffieHellmanPublicKey) != 32 {
		return domain.Session{}, nil, ratchet.ErrMalformedHeader
	}
	spk, ok, err := s.store.GetSignedPreKey(pk.SignedPreKeyID)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if !ok {
		return domain.Session{}, nil, errors.New("unknown signed prekey")
	}

	var (
		opk     *domain.PreKey
		opkPriv *domain.X25519Private
	)
	if pk.PreKeyID != nil {
		taken, ok, err := s.store.TakePreKey(*pk.PreKeyID)
		if err != nil {
			return domain.Session{}, nil, err
		}
		if !ok {
			return domain.Session{}, nil, errors.New("one-time prekey already used or unknown")
		}
		opk, opkPriv = &taken, &taken.PrivateKey
	}

	root, err := x3dh.ResponderRoot(s.crypto, id, spk.PrivateKey, opkPriv, pk)
	if err != nil {
		return domain.Session{}, opk, err
	}
	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], header.DiffieHellmanPublicKey)
	st, err := ratchet.InitAsResponder(root, spk.PrivateKey, spk.PublicKey, senderRatchet)
	if err != nil {
		return domain.Session{}, opk, err
	}

	now := s.now().UnixMilli()
	return domain.Session{
		PeerUserID:           addr.UserID,
		PeerDeviceID:         addr.DeviceID,
		RemoteRegistrationID: remoteReg,
		RemoteIdentityKey:    pk.InitiatorIdentityKey,
		BaseKey:              pk.BaseKey,
		State:                st,
		CreatedAt:            now,
		LastUsedAt:           now,
	}, opk, nil
}

// open runs the ratchet on a copy of sess.State and persists on success.
func (s *Service) open(addr domain.DeviceAddress, sess domain.Session, id domain.Identity, body domain.WireBody) ([]byte, error) {
	st := sess.State.Clone()
	pt, err := ratchet.Decrypt(s.crypto.Reader(), &st, associatedData(sess.RemoteIdentityKey, id.XPub), body.Header, body.Cipher)
	if errors.Is(err, ratchet.ErrSkippedKeyNotFound) {
		// Duplicate delivery: the session is intact, the message is not
		// released twice.
		return nil, domain.NewError(domain.KindInvalidCiphertext, "message already decrypted", err)
	}
	if err != nil {
		s.corrupt(addr, "ratchet decrypt failed")
		return nil, domain.NewError(domain.KindSessionCorrupted, "decrypt from "+addr.String(), err)
	}

	sess.State = st
	sess.Pending = nil
	sess.MessageCount++
	sess.LastUsedAt = s.now().UnixMilli()
	if err := s.store.StoreSession(addr.UserID, addr.DeviceID, sess); err != nil {
		crypto.Wipe(pt)
		return nil, domain.NewError(domain.KindSessionCorrupted, "persist session", err)
	}
	return pt, nil
}

// corrupt deletes the session at addr. The caller holds the lock.
func (s *Service) corrupt(addr domain.DeviceAddress, reason string) {
	if err := s.store.DeleteSession(addr.UserID, addr.DeviceID); err != nil {
		s.logger.Error("failed to delete corrupted session", "peer", addr.String(), "error", err)
		return
	}
	s.metrics.SessionsDeleted.WithLabelValues("corrupted").Inc()
	s.logger.Warn("session deleted", "peer", addr.String(), "reason", reason)
}

// DeleteSession removes one session.
func (s *Service) DeleteSession(user domain.UserID, device domain.DeviceID) error {
	addr := domain.DeviceAddress{UserID: user, DeviceID: device}
	unlock := s.locks.lock(addr)
	defer unlock()

	if err := s.store.DeleteSession(user, device); err != nil {
		return err
	}
	s.metrics.SessionsDeleted.WithLabelValues("explicit").Inc()
	return nil
}

// DeleteSessionsForUser removes every session with any device of user and
// returns how many were removed.
func (s *Service) DeleteSessionsForUser(user domain.UserID) (int, error) {
	sessions, err := s.store.GetSessionsForUser(user)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if err := s.DeleteSession(user, sess.PeerDeviceID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("deleted sessions for user", "user", user, "count", removed)
	}
	return removed, nil
}

// CleanupOldSessions removes sessions idle for longer than maxAge.
func (s *Service) CleanupOldSessions(maxAge time.Duration) (int, error) {
	n, err := s.store.CleanupOldSessions(maxAge)
	if err != nil {
		return 0, err
	}
	s.metrics.SessionsDeleted.WithLabelValues("expired").Add(float64(n))
	return n, nil
}

// localIdentity loads and caches the identity and registration id.
func (s *Service) localIdentity() (domain.Identity, domain.RegistrationID, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if s.identity != nil {
		return *s.identity, s.regID, nil
	}
	id, ok, err := s.store.GetIdentityKeyPair()
	if err != nil {
		return domain.Identity{}, 0, err
	}
	if !ok {
		return domain.Identity{}, 0, errors.New("no local identity; run bootstrap first")
	}
	reg, ok, err := s.store.GetLocalRegistration()
	if err != nil {
		return domain.Identity{}, 0, err
	}
	if ok {
		s.regID = reg.RegistrationID
	}
	s.identity = &id
	return id, s.regID, nil
}

// associatedData binds both identities, sender first.
func associatedData(sender, receiver domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, sender[:]...)
	return append(ad, receiver[:]...)
}

var _ domain.SessionEngine = (*Service)(nil)

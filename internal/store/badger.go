package store

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"cipherfan/internal/domain"
)

// Key layout. Sessions are keyed by a length-prefixed user id followed by the
// big-endian device id so a per-user prefix scan never matches another user.
var (
	keyIdentity     = []byte("identity")
	keyRegistration = []byte("registration")
	keyNextPreKeyID = []byte("prekey_next")
	keyCurrentSPK   = []byte("spk_current")
	prefixPreKey    = []byte("prekey/")
	prefixSPK       = []byte("spk/")
	prefixSession   = []byte("session/")
)

// BadgerConfig configures a BadgerKeyStore.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Passphrase seals the identity key pair at rest. Empty stores it as-is.
	Passphrase string
	Scrypt     ScryptParams
	// GCInterval runs value-log GC periodically; zero disables it.
	GCInterval time.Duration
	// Rand supplies envelope salts. Nil means crypto/rand.
	Rand io.Reader
	// Now is the clock used by CleanupOldSessions. Nil means time.Now.
	Now func() time.Time
}

// BadgerKeyStore is the durable KeyStore backed by Badger v3.
type BadgerKeyStore struct {
	db     *badger.DB
	cfg    BadgerConfig
	logger hclog.Logger

	// Serialises read-modify-write sequences such as id reservation.
	mu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ domain.KeyStore = (*BadgerKeyStore)(nil)

// OpenBadger opens (or creates) a Badger-backed key store.
func OpenBadger(cfg BadgerConfig, logger hclog.Logger) (*BadgerKeyStore, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("store")
	if cfg.Scrypt.N == 0 {
		cfg.Scrypt = DefaultScryptParams()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	s := &BadgerKeyStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.gcLoop()
	} else {
		close(s.doneCh)
	}

	logger.Debug("key store opened", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return s, nil
}

// Close stops background GC and closes the database.
func (s *BadgerKeyStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// RegisterMetrics exposes database size gauges on reg.
func (s *BadgerKeyStore) RegisterMetrics(reg prometheus.Registerer) error {
	lsm := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "cipherfan",
		Subsystem: "keystore",
		Name:      "lsm_size_bytes",
		Help:      "Badger LSM tree size in bytes",
	}, func() float64 {
		l, _ := s.db.Size()
		return float64(l)
	})
	vlog := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "cipherfan",
		Subsystem: "keystore",
		Name:      "value_log_size_bytes",
		Help:      "Badger value log size in bytes",
	}, func() float64 {
		_, v := s.db.Size()
		return float64(v)
	})
	for _, c := range []prometheus.Collector{lsm, vlog} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerKeyStore) gcLoop() {
	defer close(s.doneCh)
	t := time.NewTicker(s.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("value log gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}

// ---- identity ----

func (s *BadgerKeyStore) StoreIdentityKeyPair(id domain.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if s.cfg.Passphrase != "" {
		raw, err = seal(s.cfg.Rand, s.cfg.Passphrase, raw, s.cfg.Scrypt)
		if err != nil {
			return fmt.Errorf("seal identity: %w", err)
		}
	}
	return s.set(keyIdentity, raw)
}

func (s *BadgerKeyStore) GetIdentityKeyPair() (domain.Identity, bool, error) {
	raw, ok, err := s.get(keyIdentity)
	if err != nil || !ok {
		return domain.Identity{}, ok, err
	}
	if s.cfg.Passphrase != "" {
		raw, err = unseal(s.cfg.Passphrase, raw)
		if err != nil {
			return domain.Identity{}, false, err
		}
	}
	var id domain.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return domain.Identity{}, false, fmt.Errorf("decode identity: %w", err)
	}
	return id, true, nil
}

func (s *BadgerKeyStore) StoreLocalRegistration(reg domain.LocalRegistration) error {
	return s.setJSON(keyRegistration, reg)
}

func (s *BadgerKeyStore) GetLocalRegistration() (domain.LocalRegistration, bool, error) {
	var reg domain.LocalRegistration
	ok, err := s.getJSON(keyRegistration, &reg)
	return reg, ok, err
}

// ---- prekeys ----

func (s *BadgerKeyStore) StorePreKeys(batch []domain.PreKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		next, err := readUint32(txn, keyNextPreKeyID)
		if err != nil {
			return err
		}
		for _, pk := range batch {
			b, err := json.Marshal(pk)
			if err != nil {
				return err
			}
			if err := txn.Set(idKey(prefixPreKey, pk.KeyID), b); err != nil {
				return err
			}
			if uint32(pk.KeyID) >= next {
				next = uint32(pk.KeyID) + 1
			}
		}
		return writeUint32(txn, keyNextPreKeyID, next)
	})
}

func (s *BadgerKeyStore) GetPreKey(id domain.KeyID) (domain.PreKey, bool, error) {
	var pk domain.PreKey
	ok, err := s.getJSON(idKey(prefixPreKey, id), &pk)
	return pk, ok, err
}

func (s *BadgerKeyStore) RemovePreKey(id domain.KeyID) error {
	return s.del(idKey(prefixPreKey, id))
}

func (s *BadgerKeyStore) TakePreKey(id domain.KeyID) (domain.PreKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		pk    domain.PreKey
		found bool
	)
	key := idKey(prefixPreKey, id)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(b []byte) error { return json.Unmarshal(b, &pk) }); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return domain.PreKey{}, false, err
	}
	return pk, found, nil
}

func (s *BadgerKeyStore) GetPreKeyCount() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixPreKey
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerKeyStore) ListPreKeys() ([]domain.PreKey, error) {
	var out []domain.PreKey
	err := s.scan(prefixPreKey, func(_, v []byte) error {
		var pk domain.PreKey
		if err := json.Unmarshal(v, &pk); err != nil {
			return err
		}
		out = append(out, pk)
		return nil
	})
	return out, err
}

func (s *BadgerKeyStore) ReservePreKeyIDs(n int) (domain.KeyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first uint32
	err := s.db.Update(func(txn *badger.Txn) error {
		next, err := readUint32(txn, keyNextPreKeyID)
		if err != nil {
			return err
		}
		first = next
		return writeUint32(txn, keyNextPreKeyID, next+uint32(n))
	})
	return domain.KeyID(first), err
}

func (s *BadgerKeyStore) StoreSignedPreKey(spk domain.SignedPreKey) error {
	return s.setJSON(idKey(prefixSPK, spk.KeyID), spk)
}

func (s *BadgerKeyStore) GetSignedPreKey(id domain.KeyID) (domain.SignedPreKey, bool, error) {
	var spk domain.SignedPreKey
	ok, err := s.getJSON(idKey(prefixSPK, id), &spk)
	return spk, ok, err
}

func (s *BadgerKeyStore) SetCurrentSignedPreKeyID(id domain.KeyID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return writeUint32(txn, keyCurrentSPK, uint32(id))
	})
}

func (s *BadgerKeyStore) CurrentSignedPreKey() (domain.SignedPreKey, bool, error) {
	raw, ok, err := s.get(keyCurrentSPK)
	if err != nil || !ok {
		return domain.SignedPreKey{}, false, err
	}
	if len(raw) != 4 {
		return domain.SignedPreKey{}, false, fmt.Errorf("corrupt current signed prekey id")
	}
	return s.GetSignedPreKey(domain.KeyID(binary.BigEndian.Uint32(raw)))
}

// ---- sessions ----

func (s *BadgerKeyStore) StoreSession(user domain.UserID, device domain.DeviceID, session domain.Session) error {
	return s.setJSON(sessionKey(user, device), session)
}

func (s *BadgerKeyStore) GetSession(user domain.UserID, device domain.DeviceID) (domain.Session, bool, error) {
	var sess domain.Session
	ok, err := s.getJSON(sessionKey(user, device), &sess)
	return sess, ok, err
}

func (s *BadgerKeyStore) DeleteSession(user domain.UserID, device domain.DeviceID) error {
	return s.del(sessionKey(user, device))
}

func (s *BadgerKeyStore) GetAllSessions() ([]domain.Session, error) {
	return s.sessionsWithPrefix(prefixSession)
}

func (s *BadgerKeyStore) GetSessionsForUser(user domain.UserID) ([]domain.Session, error) {
	return s.sessionsWithPrefix(userPrefix(user))
}

func (s *BadgerKeyStore) CleanupOldSessions(maxAge time.Duration) (int, error) {
	cutoff := s.cfg.Now().Add(-maxAge).UnixMilli()
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixSession
		it := txn.NewIterator(opts)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var sess domain.Session
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &sess) }); err != nil {
				return err
			}
			if sess.LastUsedAt < cutoff {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("removed stale sessions", "count", removed, "max_age", maxAge)
	}
	return removed, nil
}

func (s *BadgerKeyStore) sessionsWithPrefix(prefix []byte) ([]domain.Session, error) {
	var out []domain.Session
	err := s.scan(prefix, func(_, v []byte) error {
		var sess domain.Session
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}
		out = append(out, sess)
		return nil
	})
	return out, err
}

// ---- helpers ----

func (s *BadgerKeyStore) get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *BadgerKeyStore) set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerKeyStore) del(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerKeyStore) getJSON(key []byte, out any) (bool, error) {
	raw, ok, err := s.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *BadgerKeyStore) setJSON(key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.set(key, b)
}

func (s *BadgerKeyStore) scan(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.Key(), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func idKey(prefix []byte, id domain.KeyID) []byte {
	k := make([]byte, len(prefix), len(prefix)+4)
	copy(k, prefix)
	return binary.BigEndian.AppendUint32(k, uint32(id))
}

func userPrefix(user domain.UserID) []byte {
	k := make([]byte, len(prefixSession), len(prefixSession)+2+len(user)+4)
	copy(k, prefixSession)
	k = binary.BigEndian.AppendUint16(k, uint16(len(user)))
	return append(k, user...)
}

func sessionKey(user domain.UserID, device domain.DeviceID) []byte {
	return binary.BigEndian.AppendUint32(userPrefix(user), uint32(device))
}

func readUint32(txn *badger.Txn, key []byte) (uint32, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint32
	err = item.Value(func(b []byte) error {
		if len(b) != 4 {
			return fmt.Errorf("corrupt counter %q", key)
		}
		v = binary.BigEndian.Uint32(b)
		return nil
	})
	return v, err
}

func writeUint32(txn *badger.Txn, key []byte, v uint32) error {
	return txn.Set(key, binary.BigEndian.AppendUint32(nil, v))
}

// badgerLogger adapts hclog to badger.Logger.
type badgerLogger struct {
	logger hclog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace(fmt.Sprintf(format, args...))
}

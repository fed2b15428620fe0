package store_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/domain"
	"cipherfan/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type factory func(t *testing.T, c *clock) domain.KeyStore

func implementations() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, c *clock) domain.KeyStore {
			return store.NewMemoryKeyStore(c.now)
		},
		"badger": func(t *testing.T, c *clock) domain.KeyStore {
			s, err := store.OpenBadger(store.BadgerConfig{
				InMemory:   true,
				Passphrase: "correct horse",
				Scrypt:     store.ScryptParams{N: 1 << 10, R: 8, P: 1},
				Now:        c.now,
			}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, ks domain.KeyStore, c *clock)) {
	for name, mk := range implementations() {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.UnixMilli(1_700_000_000_000)}
			fn(t, mk(t, c), c)
		})
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, ks domain.KeyStore, _ *clock) {
		_, ok, err := ks.GetIdentityKeyPair()
		require.NoError(t, err)
		assert.False(t, ok)

		id := domain.Identity{XPub: domain.X25519Public{1}, XPriv: domain.X25519Private{2}}
		require.NoError(t, ks.StoreIdentityKeyPair(id))
		got, ok, err := ks.GetIdentityKeyPair()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, got)

		reg := domain.LocalRegistration{UserID: "alice", DeviceID: 3, RegistrationID: 99}
		require.NoError(t, ks.StoreLocalRegistration(reg))
		gotReg, ok, err := ks.GetLocalRegistration()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, reg, gotReg)
	})
}

func TestPreKeyLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, ks domain.KeyStore, _ *clock) {
		first, err := ks.ReservePreKeyIDs(3)
		require.NoError(t, err)
		batch := []domain.PreKey{
			{KeyID: first, PublicKey: domain.X25519Public{1}},
			{KeyID: first + 1, PublicKey: domain.X25519Public{2}},
			{KeyID: first + 2, PublicKey: domain.X25519Public{3}},
		}
		require.NoError(t, ks.StorePreKeys(batch))

		n, err := ks.GetPreKeyCount()
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, ok, err := ks.GetPreKey(first + 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, batch[1], got)

		require.NoError(t, ks.RemovePreKey(first+1))
		_, ok, err = ks.GetPreKey(first + 1)
		require.NoError(t, err)
		assert.False(t, ok)

		// Removing an absent key is not an error.
		require.NoError(t, ks.RemovePreKey(first+1))

		list, err := ks.ListPreKeys()
		require.NoError(t, err)
		assert.Len(t, list, 2)

		next, err := ks.ReservePreKeyIDs(1)
		require.NoError(t, err)
		assert.Greater(t, next, first+2, "ids are never reused")
	})
}

func TestTakePreKeyHandsOutOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, ks domain.KeyStore, _ *clock) {
		id, err := ks.ReservePreKeyIDs(1)
		require.NoError(t, err)
		want := domain.PreKey{KeyID: id, PublicKey: domain.X25519Public{7}, PrivateKey: domain.X25519Private{8}}
		require.NoError(t, ks.StorePreKeys([]domain.PreKey{want}))

		const workers = 16
		var (
			wg    sync.WaitGroup
			taken atomic.Int32
			start = make(chan struct{})
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				got, ok, err := ks.TakePreKey(id)
				if err != nil || !ok {
					return
				}
				assert.Equal(t, want, got)
				taken.Add(1)
			}()
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, taken.Load())
		_, ok, err := ks.GetPreKey(id)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = ks.TakePreKey(id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSignedPreKeyCurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, ks domain.KeyStore, _ *clock) {
		_, ok, err := ks.CurrentSignedPreKey()
		require.NoError(t, err)
		assert.False(t, ok)

		spk := domain.SignedPreKey{KeyID: 5, PublicKey: domain.X25519Public{5}, Signature: []byte("sig")}
		require.NoError(t, ks.StoreSignedPreKey(spk))
		require.NoError(t, ks.SetCurrentSignedPreKeyID(5))

		got, ok, err := ks.CurrentSignedPreKey()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, spk, got)
	})
}

func session(user domain.UserID, device domain.DeviceID, lastUsed int64) domain.Session {
	return domain.Session{
		PeerUserID:   user,
		PeerDeviceID: device,
		State: domain.RatchetState{
			RootKey:     []byte{1, 2, 3},
			SkippedKeys: map[string][]byte{"00ff": {9}},
		},
		CreatedAt:    lastUsed,
		LastUsedAt:   lastUsed,
		MessageCount: 4,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, ks domain.KeyStore, c *clock) {
		now := c.now().UnixMilli()
		_, ok, err := ks.GetSession("bob", 1)
		require.NoError(t, err)
		assert.False(t, ok)

		s := session("bob", 1, now)
		require.NoError(t, ks.StoreSession("bob", 1, s))
		require.NoError(t, ks.StoreSession("bob", 2, session("bob", 2, now)))
		require.NoError(t, ks.StoreSession("bobby", 1, session("bobby", 1, now)))

		got, ok, err := ks.GetSession("bob", 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s, got)

		forBob, err := ks.GetSessionsForUser("bob")
		require.NoError(t, err)
		assert.Len(t, forBob, 2)

		all, err := ks.GetAllSessions()
		require.NoError(t, err)
		assert.Len(t, all, 3)

		require.NoError(t, ks.DeleteSession("bob", 1))
		_, ok, err = ks.GetSession("bob", 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCleanupOldSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, ks domain.KeyStore, c *clock) {
		now := c.now()
		require.NoError(t, ks.StoreSession("old", 1, session("old", 1, now.Add(-48*time.Hour).UnixMilli())))
		require.NoError(t, ks.StoreSession("new", 1, session("new", 1, now.Add(-time.Minute).UnixMilli())))

		removed, err := ks.CleanupOldSessions(24 * time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, err := ks.GetSession("old", 1)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = ks.GetSession("new", 1)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ks := store.NewMemoryKeyStore(nil)
	s := session("bob", 1, 0)
	require.NoError(t, ks.StoreSession("bob", 1, s))

	got, _, err := ks.GetSession("bob", 1)
	require.NoError(t, err)
	got.State.RootKey[0] = 0xff

	again, _, err := ks.GetSession("bob", 1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), again.State.RootKey[0])
}

func TestBadgerWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	params := store.ScryptParams{N: 1 << 10, R: 8, P: 1}

	s, err := store.OpenBadger(store.BadgerConfig{Dir: dir, Passphrase: "right", Scrypt: params}, nil)
	require.NoError(t, err)
	require.NoError(t, s.StoreIdentityKeyPair(domain.Identity{XPub: domain.X25519Public{7}}))
	require.NoError(t, s.Close())

	s, err = store.OpenBadger(store.BadgerConfig{Dir: dir, Passphrase: "wrong", Scrypt: params}, nil)
	require.NoError(t, err)
	defer s.Close()
	_, _, err = s.GetIdentityKeyPair()
	assert.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestBadgerRegisterMetrics(t *testing.T) {
	s, err := store.OpenBadger(store.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer s.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 2)
}

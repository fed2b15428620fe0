package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/domain"
	"cipherfan/internal/relay"
	"cipherfan/internal/services/session"
	"cipherfan/internal/testutil"
)

// pair returns alice.1 with a session towards bob.1, created from bob's
// published bundle.
func pair(t *testing.T, opts ...session.Option) (alice, bob *testutil.Device) {
	t.Helper()
	hub := relay.NewHub(nil)
	alice = testutil.NewDevice(t, hub, "alice", 1, opts...)
	bob = testutil.NewDevice(t, hub, "bob", 1, opts...)

	kb, err := hub.FetchKeyBundle(context.Background(), "bob", 1)
	require.NoError(t, err)
	require.NoError(t, alice.Sessions.CreateSession("bob", 1, kb))
	return alice, bob
}

func info(t *testing.T, d *testutil.Device, user domain.UserID, device domain.DeviceID) domain.SessionInfo {
	t.Helper()
	si, ok, err := d.Sessions.SessionInfo(user, device)
	require.NoError(t, err)
	require.True(t, ok, "no session with %s.%d", user, device)
	return si
}

func rewriteBody(t *testing.T, msg domain.EncryptedMessage, fn func(*domain.WireBody)) domain.EncryptedMessage {
	t.Helper()
	var body domain.WireBody
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	fn(&body)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	msg.Body = raw
	return msg
}

func TestFirstContactPreKeyMessage(t *testing.T) {
	alice, bob := pair(t)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypePreKey, msg.Type)
	assert.Equal(t, alice.Reg.RegistrationID, msg.RegistrationID)

	before, err := bob.Store.GetPreKeyCount()
	require.NoError(t, err)

	pt, err := bob.Sessions.Decrypt("alice", 1, msg)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))
	assert.Equal(t, uint64(1), info(t, bob, "alice", 1).MessageCount)
	assert.Equal(t, uint64(1), info(t, alice, "bob", 1).MessageCount)

	after, err := bob.Store.GetPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, before-1, after, "one-time prekey consumed")
}

func TestTruncatedPreKeyMessageCorruptsSession(t *testing.T) {
	alice, bob := pair(t)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("hi"))
	require.NoError(t, err)
	_, err = bob.Sessions.Decrypt("alice", 1, msg)
	require.NoError(t, err)

	bad := domain.EncryptedMessage{Type: domain.MessageTypePreKey, Body: msg.Body[:len(msg.Body)/3]}
	_, err = bob.Sessions.Decrypt("alice", 1, bad)
	require.ErrorIs(t, err, domain.ErrSessionCorrupted)
	assert.False(t, domain.IsRetryable(err))

	ok, err := bob.Sessions.HasSession("alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPreKeyMessageWithShortRatchetKey(t *testing.T) {
	alice, bob := pair(t)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("hi"))
	require.NoError(t, err)
	msg = rewriteBody(t, msg, func(b *domain.WireBody) {
		b.Header.DiffieHellmanPublicKey = b.Header.DiffieHellmanPublicKey[:8]
	})

	_, err = bob.Sessions.Decrypt("alice", 1, msg)
	require.ErrorIs(t, err, domain.ErrSessionCorrupted)
	ok, err := bob.Sessions.HasSession("alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageTypeWithoutSession(t *testing.T) {
	alice, bob := pair(t)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("hi"))
	require.NoError(t, err)
	msg.Type = domain.MessageTypeMessage

	_, err = bob.Sessions.Decrypt("alice", 1, msg)
	require.ErrorIs(t, err, domain.ErrSessionCorrupted)
}

func TestEncryptWithoutSession(t *testing.T) {
	_, bob := pair(t)

	_, err := bob.Sessions.Encrypt("carol", 1, []byte("hi"))
	require.ErrorIs(t, err, domain.ErrEncryptionFailed)
	assert.True(t, domain.IsRetryable(err))

	_, err = bob.Sessions.Encrypt("carol", 1, nil)
	require.ErrorIs(t, err, domain.ErrEncryptionFailed)
}

func TestPendingUntilPeerAnswers(t *testing.T) {
	alice, bob := pair(t)

	var early []domain.EncryptedMessage
	for i := 0; i < 3; i++ {
		msg, err := alice.Sessions.Encrypt("bob", 1, []byte(fmt.Sprintf("early %d", i)))
		require.NoError(t, err)
		assert.Equal(t, domain.MessageTypePreKey, msg.Type)
		early = append(early, msg)
	}
	assert.True(t, info(t, alice, "bob", 1).Pending)

	// Out of order: the second prekey message bootstraps, the others reuse
	// the same session.
	for _, i := range []int{1, 0, 2} {
		pt, err := bob.Sessions.Decrypt("alice", 1, early[i])
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("early %d", i), string(pt))
	}
	assert.Equal(t, uint64(3), info(t, bob, "alice", 1).MessageCount)

	reply, err := bob.Sessions.Encrypt("alice", 1, []byte("hello back"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeMessage, reply.Type)

	pt, err := alice.Sessions.Decrypt("bob", 1, reply)
	require.NoError(t, err)
	assert.Equal(t, "hello back", string(pt))
	assert.False(t, info(t, alice, "bob", 1).Pending)

	next, err := alice.Sessions.Encrypt("bob", 1, []byte("now established"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeMessage, next.Type)
	pt, err = bob.Sessions.Decrypt("alice", 1, next)
	require.NoError(t, err)
	assert.Equal(t, "now established", string(pt))
}

func TestReplayIsRejectedWithoutLosingSession(t *testing.T) {
	alice, bob := pair(t)

	first, err := alice.Sessions.Encrypt("bob", 1, []byte("one"))
	require.NoError(t, err)
	_, err = bob.Sessions.Decrypt("alice", 1, first)
	require.NoError(t, err)
	reply, err := bob.Sessions.Encrypt("alice", 1, []byte("ack"))
	require.NoError(t, err)
	_, err = alice.Sessions.Decrypt("bob", 1, reply)
	require.NoError(t, err)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("two"))
	require.NoError(t, err)
	_, err = bob.Sessions.Decrypt("alice", 1, msg)
	require.NoError(t, err)
	count := info(t, bob, "alice", 1).MessageCount

	_, err = bob.Sessions.Decrypt("alice", 1, msg)
	require.ErrorIs(t, err, domain.ErrInvalidCiphertext)
	assert.Equal(t, count, info(t, bob, "alice", 1).MessageCount)

	msg, err = alice.Sessions.Encrypt("bob", 1, []byte("three"))
	require.NoError(t, err)
	pt, err := bob.Sessions.Decrypt("alice", 1, msg)
	require.NoError(t, err)
	assert.Equal(t, "three", string(pt))
}

func TestReplayFromEarlierChainKeepsSession(t *testing.T) {
	alice, bob := pair(t)

	exchange := func(from, to *testutil.Device, text string) domain.EncryptedMessage {
		t.Helper()
		msg, err := from.Sessions.Encrypt(to.Address.UserID, to.Address.DeviceID, []byte(text))
		require.NoError(t, err)
		pt, err := to.Sessions.Decrypt(from.Address.UserID, from.Address.DeviceID, msg)
		require.NoError(t, err)
		require.Equal(t, text, string(pt))
		return msg
	}

	exchange(alice, bob, "one")
	r1 := exchange(bob, alice, "r1")
	exchange(alice, bob, "two")
	exchange(bob, alice, "r2")
	count := info(t, alice, "bob", 1).MessageCount

	_, err := alice.Sessions.Decrypt("bob", 1, r1)
	require.ErrorIs(t, err, domain.ErrInvalidCiphertext)
	assert.Equal(t, count, info(t, alice, "bob", 1).MessageCount)

	exchange(bob, alice, "r3")
	exchange(alice, bob, "three")
}

func TestOneTimePreKeyConsumedOnceAcrossPeers(t *testing.T) {
	hub := relay.NewHub(nil)
	alice := testutil.NewDevice(t, hub, "alice", 1)
	carol := testutil.NewDevice(t, hub, "carol", 1)
	bob := testutil.NewDevice(t, hub, "bob", 1)

	kb, err := hub.FetchKeyBundle(context.Background(), "bob", 1)
	require.NoError(t, err)
	require.NotNil(t, kb.PreKey)
	require.NoError(t, alice.Sessions.CreateSession("bob", 1, kb))
	require.NoError(t, carol.Sessions.CreateSession("bob", 1, kb))

	fromAlice, err := alice.Sessions.Encrypt("bob", 1, []byte("from alice"))
	require.NoError(t, err)
	fromCarol, err := carol.Sessions.Encrypt("bob", 1, []byte("from carol"))
	require.NoError(t, err)

	before, err := bob.Store.GetPreKeyCount()
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i, in := range []struct {
		user domain.UserID
		msg  domain.EncryptedMessage
	}{{"alice", fromAlice}, {"carol", fromCarol}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = bob.Sessions.Decrypt(in.user, 1, in.msg)
		}()
	}
	close(start)
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSessionCorrupted)
	}
	assert.Equal(t, 1, ok, "one-time prekey used by two handshakes")

	after, err := bob.Store.GetPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, before-1, after)
}

func TestFailedHandshakeKeepsOneTimePreKey(t *testing.T) {
	alice, bob := pair(t)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("hi"))
	require.NoError(t, err)
	bad := rewriteBody(t, msg, func(b *domain.WireBody) { b.Cipher[0] ^= 1 })

	before, err := bob.Store.GetPreKeyCount()
	require.NoError(t, err)
	_, err = bob.Sessions.Decrypt("alice", 1, bad)
	require.ErrorIs(t, err, domain.ErrSessionCorrupted)
	after, err := bob.Store.GetPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	pt, err := bob.Sessions.Decrypt("alice", 1, msg)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))
}

func TestTamperedMessageDeletesSession(t *testing.T) {
	alice, bob := pair(t)

	first, err := alice.Sessions.Encrypt("bob", 1, []byte("one"))
	require.NoError(t, err)
	_, err = bob.Sessions.Decrypt("alice", 1, first)
	require.NoError(t, err)
	reply, err := bob.Sessions.Encrypt("alice", 1, []byte("ack"))
	require.NoError(t, err)
	_, err = alice.Sessions.Decrypt("bob", 1, reply)
	require.NoError(t, err)

	msg, err := alice.Sessions.Encrypt("bob", 1, []byte("secret"))
	require.NoError(t, err)
	msg = rewriteBody(t, msg, func(b *domain.WireBody) { b.Cipher[len(b.Cipher)-1] ^= 1 })

	pt, err := bob.Sessions.Decrypt("alice", 1, msg)
	require.ErrorIs(t, err, domain.ErrSessionCorrupted)
	assert.Nil(t, pt)
	ok, err := bob.Sessions.HasSession("alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownMessageType(t *testing.T) {
	_, bob := pair(t)
	_, err := bob.Sessions.Decrypt("alice", 1, domain.EncryptedMessage{Type: "bogus", Body: []byte("{}")})
	require.ErrorIs(t, err, domain.ErrInvalidCiphertext)
}

func TestConcurrentEncryptSerialisesPerSession(t *testing.T) {
	alice, bob := pair(t)
	const n = 32

	msgs := make([]domain.EncryptedMessage, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := alice.Sessions.Encrypt("bob", 1, []byte(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
			msgs[i] = msg
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(n), info(t, alice, "bob", 1).MessageCount)

	for i, msg := range msgs {
		pt, err := bob.Sessions.Decrypt("alice", 1, msg)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(pt))
	}
	assert.Equal(t, uint64(n), info(t, bob, "alice", 1).MessageCount)
}

func TestDeleteSessionsForUser(t *testing.T) {
	hub := relay.NewHub(nil)
	alice := testutil.NewDevice(t, hub, "alice", 1)
	for _, d := range []domain.DeviceID{1, 2, 3} {
		testutil.NewDevice(t, hub, "bob", d)
		kb, err := hub.FetchKeyBundle(context.Background(), "bob", d)
		require.NoError(t, err)
		require.NoError(t, alice.Sessions.CreateSession("bob", d, kb))
	}
	testutil.NewDevice(t, hub, "carol", 1)
	kb, err := hub.FetchKeyBundle(context.Background(), "carol", 1)
	require.NoError(t, err)
	require.NoError(t, alice.Sessions.CreateSession("carol", 1, kb))

	n, err := alice.Sessions.DeleteSessionsForUser("bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := alice.Sessions.ListSessions()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.UserID("carol"), all[0].Address.UserID)
}

func TestCreateSessionRejectsBadSignature(t *testing.T) {
	hub := relay.NewHub(nil)
	alice := testutil.NewDevice(t, hub, "alice", 1)
	testutil.NewDevice(t, hub, "bob", 1)

	kb, err := hub.FetchKeyBundle(context.Background(), "bob", 1)
	require.NoError(t, err)
	kb.SignedPreKey.Signature = bytes.Repeat([]byte{0}, len(kb.SignedPreKey.Signature))

	err = alice.Sessions.CreateSession("bob", 1, kb)
	require.ErrorIs(t, err, domain.ErrSessionCreationFailed)
	ok, err := alice.Sessions.HasSession("bob", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupOldSessions(t *testing.T) {
	alice, _ := pair(t)

	n, err := alice.Sessions.CleanupOldSessions(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = alice.Sessions.CleanupOldSessions(-time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package prekey

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"cipherfan/internal/domain"
)

var errNoSignedPreKey = errors.New("no signed prekey available")

// Store is the subset of the key store the prekey service needs.
type Store interface {
	domain.IdentityKeyStore
	domain.PreKeyStore
}

// Service manages prekey pairs and builds the public bundle.
type Service struct {
	store     Store
	crypto    domain.CryptoProvider
	publisher domain.KeyPublisher
	logger    hclog.Logger
	now       func() time.Time
}

// New returns a prekey service. publisher may be nil for offline use.
func New(store Store, p domain.CryptoProvider, publisher domain.KeyPublisher, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		store:     store,
		crypto:    p,
		publisher: publisher,
		logger:    logger.Named("prekey"),
		now:       time.Now,
	}
}

// RotateSignedPreKey creates a signed prekey and marks it current. Older
// signed prekeys stay stored so in-flight handshakes still complete.
func (s *Service) RotateSignedPreKey() (domain.SignedPreKeyPublic, error) {
	id, ok, err := s.store.GetIdentityKeyPair()
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if !ok {
		return domain.SignedPreKeyPublic{}, domain.Errorf(domain.KindKeyGenerationFailed, "no identity to sign with")
	}

	priv, pub, err := s.crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyPublic{}, domain.NewError(domain.KindKeyGenerationFailed, "signed prekey", err)
	}
	keyID, err := s.store.ReservePreKeyIDs(1)
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	spk := domain.SignedPreKey{
		KeyID:      keyID,
		PublicKey:  pub,
		PrivateKey: priv,
		Signature:  s.crypto.Sign(id.EdPriv, pub[:]),
		CreatedAt:  s.now().UnixMilli(),
	}
	if err := s.store.StoreSignedPreKey(spk); err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if err := s.store.SetCurrentSignedPreKeyID(keyID); err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	s.logger.Info("signed prekey rotated", "key_id", keyID)
	return spk.Public(), nil
}

// GeneratePreKeys creates and stores n one-time prekeys with fresh ids.
func (s *Service) GeneratePreKeys(n int) ([]domain.PreKeyPublic, error) {
	if n <= 0 {
		return nil, nil
	}
	first, err := s.store.ReservePreKeyIDs(n)
	if err != nil {
		return nil, err
	}
	batch := make([]domain.PreKey, 0, n)
	publics := make([]domain.PreKeyPublic, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := s.crypto.GenerateX25519()
		if err != nil {
			return nil, domain.NewError(domain.KindKeyGenerationFailed, "one-time prekey", err)
		}
		pk := domain.PreKey{KeyID: first + domain.KeyID(i), PublicKey: pub, PrivateKey: priv}
		batch = append(batch, pk)
		publics = append(publics, pk.Public())
	}
	if err := s.store.StorePreKeys(batch); err != nil {
		return nil, err
	}
	s.logger.Debug("one-time prekeys generated", "count", n, "first_id", first)
	return publics, nil
}

// Replenish tops up one-time prekeys with a batch when fewer than min remain.
// It returns how many were generated.
func (s *Service) Replenish(min, batch int) (int, error) {
	count, err := s.store.GetPreKeyCount()
	if err != nil {
		return 0, err
	}
	if count >= min {
		return 0, nil
	}
	if _, err := s.GeneratePreKeys(batch); err != nil {
		return 0, err
	}
	return batch, nil
}

// LocalBundle assembles the publishable bundle from the identity, the
// current signed prekey and every unused one-time prekey.
func (s *Service) LocalBundle() (domain.PublishedBundle, error) {
	id, ok, err := s.store.GetIdentityKeyPair()
	if err != nil {
		return domain.PublishedBundle{}, err
	}
	if !ok {
		return domain.PublishedBundle{}, errors.New("no local identity")
	}
	reg, _, err := s.store.GetLocalRegistration()
	if err != nil {
		return domain.PublishedBundle{}, err
	}
	spk, ok, err := s.store.CurrentSignedPreKey()
	if err != nil {
		return domain.PublishedBundle{}, err
	}
	if !ok {
		return domain.PublishedBundle{}, errNoSignedPreKey
	}
	preKeys, err := s.store.ListPreKeys()
	if err != nil {
		return domain.PublishedBundle{}, err
	}

	b := domain.PublishedBundle{
		UserID:         reg.UserID,
		DeviceID:       reg.DeviceID,
		DeviceName:     reg.DeviceName,
		DeviceType:     reg.DeviceType,
		RegistrationID: reg.RegistrationID,
		IdentityKey:    id.XPub,
		SigningKey:     id.EdPub,
		SignedPreKey:   spk.Public(),
	}
	for _, pk := range preKeys {
		b.PreKeys = append(b.PreKeys, pk.Public())
	}
	return b, nil
}

// Publish uploads the local bundle through the key publisher.
func (s *Service) Publish(ctx context.Context) (domain.PublishedBundle, error) {
	if s.publisher == nil {
		return domain.PublishedBundle{}, domain.Errorf(domain.KindKeyUploadFailed, "no key publisher configured")
	}
	b, err := s.LocalBundle()
	if err != nil {
		return domain.PublishedBundle{}, domain.NewError(domain.KindKeyUploadFailed, "assemble bundle", err)
	}
	if err := s.publisher.PublishKeyBundle(ctx, b); err != nil {
		return domain.PublishedBundle{}, domain.NewError(domain.KindKeyUploadFailed, "publish bundle", err)
	}
	s.logger.Info("bundle published", "user", b.UserID, "device", b.DeviceID, "prekeys", len(b.PreKeys))
	return b, nil
}

package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
)

const (
	minPassphraseLength = 12
	// registration ids are drawn from [1, maxRegistrationID].
	maxRegistrationID = 16380
)

var (
	ErrWeakPassphrase = fmt.Errorf("weak passphrase: need %d+ characters with upper and lower case letters, a digit and a symbol",
		minPassphraseLength)
	// ErrNotBootstrapped is returned before Bootstrap has run on this store.
	ErrNotBootstrapped = errors.New("no local identity; run init first")
)

// Service owns this device's long-term keys: an X25519 pair for agreement
// and an Ed25519 pair that signs prekeys.
type Service struct {
	store  domain.IdentityKeyStore
	crypto domain.CryptoProvider
	logger hclog.Logger
}

// New returns a Service over s.
func New(s domain.IdentityKeyStore, p domain.CryptoProvider, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{store: s, crypto: p, logger: logger.Named("identity")}
}

// Bootstrap creates the identity key pair and registration for this device
// once. Later calls return the stored registration unchanged.
func (s *Service) Bootstrap(reg domain.LocalRegistration) (domain.LocalRegistration, domain.Fingerprint, error) {
	if existing, ok, err := s.store.GetLocalRegistration(); err != nil {
		return domain.LocalRegistration{}, "", err
	} else if ok {
		fp, err := s.Fingerprint()
		return existing, fp, err
	}

	xPriv, xPub, err := s.crypto.GenerateX25519()
	if err != nil {
		return domain.LocalRegistration{}, "", domain.NewError(domain.KindKeyGenerationFailed, "identity dh key", err)
	}
	edPriv, edPub, err := s.crypto.GenerateEd25519()
	if err != nil {
		return domain.LocalRegistration{}, "", domain.NewError(domain.KindKeyGenerationFailed, "identity signing key", err)
	}
	raw, err := s.crypto.RandomBytes(4)
	if err != nil {
		return domain.LocalRegistration{}, "", domain.NewError(domain.KindKeyGenerationFailed, "registration id", err)
	}
	reg.RegistrationID = domain.RegistrationID(binary.BigEndian.Uint32(raw)%maxRegistrationID + 1)

	id := domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
	if err := s.store.StoreIdentityKeyPair(id); err != nil {
		return domain.LocalRegistration{}, "", err
	}
	if err := s.store.StoreLocalRegistration(reg); err != nil {
		return domain.LocalRegistration{}, "", err
	}

	fp := crypto.IdentityFingerprint(id.XPub, id.EdPub)
	s.logger.Info("identity created", "user", reg.UserID, "device", reg.DeviceID, "fingerprint", fp)
	return reg, fp, nil
}

// Identity returns the local identity key pair.
func (s *Service) Identity() (domain.Identity, error) {
	id, ok, err := s.store.GetIdentityKeyPair()
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok {
		return domain.Identity{}, ErrNotBootstrapped
	}
	return id, nil
}

// Registration returns who this device is.
func (s *Service) Registration() (domain.LocalRegistration, error) {
	reg, ok, err := s.store.GetLocalRegistration()
	if err != nil {
		return domain.LocalRegistration{}, err
	}
	if !ok {
		return domain.LocalRegistration{}, ErrNotBootstrapped
	}
	return reg, nil
}

// Fingerprint returns a short fingerprint of the local identity keys.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	id, err := s.Identity()
	if err != nil {
		return "", err
	}
	return crypto.IdentityFingerprint(id.XPub, id.EdPub), nil
}

// CheckPassphrase rejects passphrases shorter than minPassphraseLength runes
// or missing any of the four character classes.
func CheckPassphrase(passphrase string) error {
	if utf8.RuneCountInString(passphrase) < minPassphraseLength {
		return ErrWeakPassphrase
	}
	const upper, lower, digit, symbol = 1, 2, 4, 8
	var seen int
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			seen |= upper
		case unicode.IsLower(r):
			seen |= lower
		case unicode.IsDigit(r):
			seen |= digit
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			seen |= symbol
		}
	}
	if seen != upper|lower|digit|symbol {
		return ErrWeakPassphrase
	}
	return nil
}

package certificates

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/ca"
)

// Validity of a freshly issued device certificate.
const validityYears = 1

var (
	// ErrAlreadyIssued is returned when a device already holds an active certificate.
	ErrAlreadyIssued = errors.New("certificate already issued")
	// ErrNotFound is returned when no active certificate exists for a device.
	ErrNotFound = errors.New("certificate not found")
	// ErrInvalidCSR is returned when a certificate signing request cannot be parsed or verified.
	ErrInvalidCSR = errors.New("invalid certificate signing request")
)

// DeviceCertificate is the issued certificate record for a device.
// The backend keeps the certificate, never the device's private key.
type DeviceCertificate struct {
	ID                   uuid.UUID  `json:"id"`
	DeviceID             string     `json:"device_id"`
	ClientCertificatePEM string     `json:"client_cert"`
	CACertificatePEM     string     `json:"ca_cert"`
	Fingerprint          string     `json:"fingerprint"`
	SerialNumber         string     `json:"serial_number"`
	NotBefore            time.Time  `json:"not_before"`
	NotAfter             time.Time  `json:"not_after"`
	IsRevoked            bool       `json:"is_revoked"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
}

// Store persists device certificates. Lookups by fingerprint accept
// both the colon-separated and the bare hex rendering.
type Store interface {
	Insert(ctx context.Context, cert DeviceCertificate) error
	ActiveByDevice(ctx context.Context, deviceID string) (DeviceCertificate, bool, error)
	ActiveByFingerprint(ctx context.Context, fingerprint string) (DeviceCertificate, bool, error)
	Revoke(ctx context.Context, deviceID string, at time.Time) (bool, error)
}

// Events receives certificate lifecycle notifications. Implementations
// must not block issuance; failures are the implementation's problem.
type Events interface {
	CertificateCreated(ctx context.Context, cert DeviceCertificate)
	CertificateRevoked(ctx context.Context, cert DeviceCertificate)
}

// Service issues, revokes and validates device certificates.
type Service struct {
	ca     *ca.Store
	store  Store
	events Events

	issueLocks sync.Map // deviceID -> *sync.Mutex
}

// NewService returns the issuance service. CA store and certificate
// store are mandatory, events may be nil.
func NewService(caStore *ca.Store, store Store, events Events) *Service {
	if caStore == nil {
		panic("CA store is missing")
	}
	if store == nil {
		panic("certificate store is missing")
	}
	return &Service{ca: caStore, store: store, events: events}
}

// EnsureCA creates the CA on first use and returns its record.
func (s *Service) EnsureCA() (ca.Record, error) {
	return s.ca.Ensure()
}

// IssueCertificate signs the device's CSR with the CA and records the
// issued certificate. A device with an active certificate cannot
// receive a second one; revoke first.
func (s *Service) IssueCertificate(ctx context.Context, deviceID, csrPEM string) (DeviceCertificate, error) {
	lock := s.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	rlog := logger.FromContext(ctx)

	if _, ok, err := s.store.ActiveByDevice(ctx, deviceID); err != nil {
		return DeviceCertificate{}, err
	} else if ok {
		return DeviceCertificate{}, ErrAlreadyIssued
	}

	csr, err := parseCSR(csrPEM)
	if err != nil {
		return DeviceCertificate{}, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}

	caCert, caKey, err := s.ca.Signer()
	if err != nil {
		return DeviceCertificate{}, err
	}
	caPEM, err := s.ca.CertificatePEM()
	if err != nil {
		return DeviceCertificate{}, err
	}

	// 128-bit random serial, no counter needed to avoid collisions
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return DeviceCertificate{}, err
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(validityYears, 0, 0)

	subject := csr.Subject
	subject.CommonName = deviceID

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{deviceID},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return DeviceCertificate{}, fmt.Errorf("sign certificate: %w", err)
	}

	certPEM := new(bytes.Buffer)
	pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})

	cert := DeviceCertificate{
		ID:                   uuid.New(),
		DeviceID:             deviceID,
		ClientCertificatePEM: certPEM.String(),
		CACertificatePEM:     caPEM,
		Fingerprint:          Fingerprint(der),
		SerialNumber:         serial.Text(16),
		NotBefore:            notBefore,
		NotAfter:             notAfter,
	}

	if err := s.store.Insert(ctx, cert); err != nil {
		return DeviceCertificate{}, err
	}

	rlog.WithField("device_id", deviceID).Info("issued device certificate ", cert.Fingerprint)
	if s.events != nil {
		s.events.CertificateCreated(ctx, cert)
	}
	return cert, nil
}

// RevokeCertificate marks the device's active certificate as revoked.
func (s *Service) RevokeCertificate(ctx context.Context, deviceID string) error {
	lock := s.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	cert, ok, err := s.store.ActiveByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	revoked, err := s.store.Revoke(ctx, deviceID, now)
	if err != nil {
		return err
	}
	if !revoked {
		return ErrNotFound
	}

	cert.IsRevoked = true
	cert.RevokedAt = &now
	logger.FromContext(ctx).WithField("device_id", deviceID).Info("revoked device certificate ", cert.Fingerprint)
	if s.events != nil {
		s.events.CertificateRevoked(ctx, cert)
	}
	return nil
}

// Validate reports whether the certificate is inside its validity
// window and was signed by the current CA. It fails closed: any parse
// or verification problem yields false.
func (s *Service) Validate(certPEM string) bool {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}
	caCert, _, err := s.ca.Signer()
	if err != nil {
		return false
	}
	return cert.CheckSignatureFrom(caCert) == nil
}

func (s *Service) lockFor(deviceID string) *sync.Mutex {
	lock, _ := s.issueLocks.LoadOrStore(deviceID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	return csr, nil
}

// Fingerprint computes the SHA-256 digest of the certificate's DER
// encoding, rendered as uppercase colon-separated hex pairs.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	hexSum := strings.ToUpper(hex.EncodeToString(sum[:]))
	pairs := make([]string, 0, len(hexSum)/2)
	for i := 0; i < len(hexSum); i += 2 {
		pairs = append(pairs, hexSum[i:i+2])
	}
	return strings.Join(pairs, ":")
}

// NormalizeFingerprint strips colons and upper-cases, so that both
// renderings compare equal.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToUpper(strings.ReplaceAll(fingerprint, ":", ""))
}

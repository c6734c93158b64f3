package ca

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/verdant-tech/iothub/core/logger"
)

// Validity of a freshly created root certificate.
const validityYears = 10

// Record holds the persisted CA material.
type Record struct {
	CertificatePEM string
	KeyPEM         string
	NotBefore      time.Time
	NotAfter       time.Time
	SerialNumber   string
}

// Persistence loads and saves the CA record from durable storage.
type Persistence interface {
	// Load returns the stored record. The boolean is false if no
	// record has been stored yet.
	Load() (Record, bool, error)
	// Save stores the record. It is called exactly once per created CA.
	Save(Record) error
}

// Store owns the CA record and its parsed signing material.
type Store struct {
	mu          sync.Mutex
	persistence Persistence

	record *Record
	cert   *x509.Certificate
	key    *rsa.PrivateKey
}

// NewStore returns a store backed by the given persistence. The CA is
// not created or loaded until the first call to Ensure.
func NewStore(p Persistence) *Store {
	if p == nil {
		panic("persistence is missing")
	}
	return &Store{persistence: p}
}

// Ensure returns the current CA record, creating and persisting a new
// one if none exists. The call is idempotent and safe for concurrent
// use; creation happens at most once.
func (s *Store) Ensure() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record != nil {
		return *s.record, nil
	}

	record, ok, err := s.persistence.Load()
	if err != nil {
		return Record{}, fmt.Errorf("load CA record: %w", err)
	}
	if ok {
		cert, key, err := parseRecord(record)
		if err == nil && time.Now().Before(cert.NotAfter) {
			s.record, s.cert, s.key = &record, cert, key
			logger.Default().Info("loaded existing CA certificate")
			return record, nil
		}
		logger.Default().WithError(err).Warn("stored CA record unusable, creating a new one")
	}

	record, cert, key, err := createRoot()
	if err != nil {
		return Record{}, err
	}
	if err := s.persistence.Save(record); err != nil {
		return Record{}, fmt.Errorf("save CA record: %w", err)
	}
	s.record, s.cert, s.key = &record, cert, key
	logger.Default().Info("created new CA certificate")
	return record, nil
}

// Signer returns the parsed CA certificate and its private key for
// signing leaf certificates. It ensures the CA exists.
func (s *Store) Signer() (*x509.Certificate, crypto.Signer, error) {
	if _, err := s.Ensure(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cert, s.key, nil
}

// CertificatePEM returns the CA certificate as PEM, ensuring the CA exists.
func (s *Store) CertificatePEM() (string, error) {
	record, err := s.Ensure()
	if err != nil {
		return "", err
	}
	return record.CertificatePEM, nil
}

func createRoot() (Record, *x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Record{}, nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(validityYears, 0, 0)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         "Verdant IoT Root CA",
			Organization:       []string{"Verdant Technologies"},
			OrganizationalUnit: []string{"Certificate Authority"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return Record{}, nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Record{}, nil, nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Record{}, nil, nil, err
	}

	certPEM := new(bytes.Buffer)
	pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := new(bytes.Buffer)
	pem.Encode(keyPEM, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	record := Record{
		CertificatePEM: certPEM.String(),
		KeyPEM:         keyPEM.String(),
		NotBefore:      notBefore,
		NotAfter:       notAfter,
		SerialNumber:   "01",
	}
	return record, cert, key, nil
}

func parseRecord(record Record) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode([]byte(record.CertificatePEM))
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no certificate PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyBlock, _ := pem.Decode([]byte(record.KeyPEM))
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no key PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not RSA")
	}
	return cert, key, nil
}

package ca

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists the CA record as two PEM files.
type FileStore struct {
	CertFile string
	KeyFile  string
}

// NewFileStore returns a file-backed persistence. Both paths are mandatory.
func NewFileStore(certFile, keyFile string) *FileStore {
	if len(certFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(keyFile) == 0 {
		panic("ca-key file missing")
	}
	return &FileStore{CertFile: certFile, KeyFile: keyFile}
}

// Load implements Persistence
func (f *FileStore) Load() (Record, bool, error) {
	certPEM, err := os.ReadFile(f.CertFile)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	keyPEM, err := os.ReadFile(f.KeyFile)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return Record{CertificatePEM: string(certPEM), KeyPEM: string(keyPEM)}, true, nil
}

// Save implements Persistence. The key file is written with owner-only
// permissions.
func (f *FileStore) Save(record Record) error {
	if err := os.MkdirAll(filepath.Dir(f.CertFile), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(f.CertFile, []byte(record.CertificatePEM), 0o644); err != nil {
		return err
	}
	return os.WriteFile(f.KeyFile, []byte(record.KeyPEM), 0o600)
}

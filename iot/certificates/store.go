package certificates

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory certificate store. It is used by the
// simulator tooling and in tests; production deployments use SQLStore.
type MemoryStore struct {
	mu    sync.RWMutex
	certs []DeviceCertificate
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert implements Store
func (m *MemoryStore) Insert(ctx context.Context, cert DeviceCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs = append(m.certs, cert)
	return nil
}

// ActiveByDevice implements Store
func (m *MemoryStore) ActiveByDevice(ctx context.Context, deviceID string) (DeviceCertificate, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cert := range m.certs {
		if cert.DeviceID == deviceID && !cert.IsRevoked {
			return cert, true, nil
		}
	}
	return DeviceCertificate{}, false, nil
}

// ActiveByFingerprint implements Store
func (m *MemoryStore) ActiveByFingerprint(ctx context.Context, fingerprint string) (DeviceCertificate, bool, error) {
	normalized := NormalizeFingerprint(fingerprint)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cert := range m.certs {
		if NormalizeFingerprint(cert.Fingerprint) == normalized && !cert.IsRevoked {
			return cert, true, nil
		}
	}
	return DeviceCertificate{}, false, nil
}

// Revoke implements Store
func (m *MemoryStore) Revoke(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.certs {
		if m.certs[i].DeviceID == deviceID && !m.certs[i].IsRevoked {
			m.certs[i].IsRevoked = true
			revokedAt := at
			m.certs[i].RevokedAt = &revokedAt
			return true, nil
		}
	}
	return false, nil
}

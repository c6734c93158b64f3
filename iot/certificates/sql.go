package certificates

import (
	"context"
	"time"

	"github.com/verdant-tech/iothub/core/csql"
)

// SQLStore keeps device certificates in a postgres table.
type SQLStore struct {
	db *csql.DB
}

// MustNewSQLStore creates the sql relation for device certificates
// (if it does not exist) and returns the store.
func MustNewSQLStore(db *csql.DB) *SQLStore {
	if db == nil {
		panic("DB is missing")
	}

	// poor man's database migrations
	_, err := db.Exec(
		`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE table IF NOT EXISTS ` + db.Schema + `.device_certificate
(certificate_id uuid DEFAULT uuid_generate_v4() PRIMARY KEY,
device_id varchar NOT NULL,
client_certificate text NOT NULL,
ca_certificate text NOT NULL,
fingerprint varchar NOT NULL,
serial_number varchar NOT NULL,
not_before timestamp NOT NULL,
not_after timestamp NOT NULL,
is_revoked boolean NOT NULL DEFAULT false,
revoked_at timestamp
);
CREATE UNIQUE INDEX IF NOT EXISTS device_certificate_active
ON ` + db.Schema + `.device_certificate(device_id) WHERE NOT is_revoked;
CREATE INDEX IF NOT EXISTS device_certificate_fingerprint
ON ` + db.Schema + `.device_certificate(fingerprint);`)

	if err != nil {
		panic(err)
	}

	return &SQLStore{db: db}
}

// Insert implements Store
func (s *SQLStore) Insert(ctx context.Context, cert DeviceCertificate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device_certificate
(certificate_id,device_id,client_certificate,ca_certificate,fingerprint,serial_number,not_before,not_after,is_revoked)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,false);`,
		cert.ID, cert.DeviceID, cert.ClientCertificatePEM, cert.CACertificatePEM,
		NormalizeFingerprint(cert.Fingerprint), cert.SerialNumber, cert.NotBefore, cert.NotAfter)
	return err
}

// ActiveByDevice implements Store
func (s *SQLStore) ActiveByDevice(ctx context.Context, deviceID string) (DeviceCertificate, bool, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT certificate_id,device_id,client_certificate,ca_certificate,fingerprint,serial_number,not_before,not_after,is_revoked,revoked_at
FROM `+s.db.Schema+`.device_certificate WHERE device_id=$1 AND NOT is_revoked;`,
		deviceID))
}

// ActiveByFingerprint implements Store
func (s *SQLStore) ActiveByFingerprint(ctx context.Context, fingerprint string) (DeviceCertificate, bool, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT certificate_id,device_id,client_certificate,ca_certificate,fingerprint,serial_number,not_before,not_after,is_revoked,revoked_at
FROM `+s.db.Schema+`.device_certificate WHERE fingerprint=$1 AND NOT is_revoked;`,
		NormalizeFingerprint(fingerprint)))
}

// Revoke implements Store
func (s *SQLStore) Revoke(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.device_certificate SET is_revoked=true, revoked_at=$2
WHERE device_id=$1 AND NOT is_revoked;`,
		deviceID, at)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanOne(row rowScanner) (DeviceCertificate, bool, error) {
	var cert DeviceCertificate
	var fingerprint string
	err := row.Scan(&cert.ID, &cert.DeviceID, &cert.ClientCertificatePEM, &cert.CACertificatePEM,
		&fingerprint, &cert.SerialNumber, &cert.NotBefore, &cert.NotAfter, &cert.IsRevoked, &cert.RevokedAt)
	if err == csql.ErrNoRows {
		return DeviceCertificate{}, false, nil
	}
	if err != nil {
		return DeviceCertificate{}, false, err
	}
	// stored normalized, re-render with colons for callers
	cert.Fingerprint = withColons(fingerprint)
	return cert, true, nil
}

func withColons(normalized string) string {
	if len(normalized)%2 != 0 {
		return normalized
	}
	out := make([]byte, 0, len(normalized)+len(normalized)/2)
	for i := 0; i < len(normalized); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, normalized[i], normalized[i+1])
	}
	return string(out)
}

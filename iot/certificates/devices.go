package certificates

import (
	"context"

	"github.com/verdant-tech/iothub/core/csql"
)

// SQLDevices answers device existence from the backend's device table.
type SQLDevices struct {
	db *csql.DB
}

// MustNewSQLDevices creates the sql relation for devices (if it does
// not exist) and returns the directory.
func MustNewSQLDevices(db *csql.DB) *SQLDevices {
	if db == nil {
		panic("DB is missing")
	}

	_, err := db.Exec(
		`CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id varchar PRIMARY KEY,
name varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL DEFAULT now()
);`)
	if err != nil {
		panic(err)
	}
	return &SQLDevices{db: db}
}

// Exists implements Devices
func (d *SQLDevices) Exists(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+d.db.Schema+`.device WHERE device_id=$1;`, deviceID).Scan(&one)
	if err == csql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Register adds a device to the directory, ignoring duplicates.
func (d *SQLDevices) Register(ctx context.Context, deviceID, name string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO `+d.db.Schema+`.device(device_id,name) VALUES($1,$2)
ON CONFLICT (device_id) DO NOTHING;`, deviceID, name)
	return err
}

// StaticDevices is a fixed device directory, handy for tooling and tests.
type StaticDevices []string

// Exists implements Devices
func (d StaticDevices) Exists(ctx context.Context, deviceID string) (bool, error) {
	for _, id := range d {
		if id == deviceID {
			return true, nil
		}
	}
	return false, nil
}

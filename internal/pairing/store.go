package pairing

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Device is a paired client device. Only the SHA-256 hash of its issued
// token is stored; the plaintext token exists solely in the encrypted
// payload returned to the client at pairing time.
type Device struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TokenHash   string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	PairedAt    time.Time `json:"paired_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store persists paired devices in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the device database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS paired_devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		fingerprint TEXT NOT NULL,
		paired_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_paired_devices_token_hash
		ON paired_devices(token_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveDevice inserts or replaces a device record.
func (s *Store) SaveDevice(d *Device) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO paired_devices
			(id, name, token_hash, fingerprint, paired_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.TokenHash, d.Fingerprint, d.PairedAt.UTC(), d.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// GetDeviceByTokenHash finds a device by its stored token hash.
// Returns (nil, nil) when no device matches.
func (s *Store) GetDeviceByTokenHash(hash string) (*Device, error) {
	row := s.db.QueryRow(`
		SELECT id, name, token_hash, fingerprint, paired_at, last_seen
		FROM paired_devices WHERE token_hash = ?`, hash)
	return scanDevice(row)
}

// ListDevices returns all paired devices ordered by pairing time.
func (s *Store) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query(`
		SELECT id, name, token_hash, fingerprint, paired_at, last_seen
		FROM paired_devices ORDER BY paired_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.TokenHash, &d.Fingerprint, &d.PairedAt, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device. Deleting an unknown id is a no-op.
func (s *Store) DeleteDevice(id string) error {
	_, err := s.db.Exec(`DELETE FROM paired_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// UpdateLastSeen bumps a device's last-seen timestamp.
func (s *Store) UpdateLastSeen(id string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE paired_devices SET last_seen = ? WHERE id = ?`, t.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.TokenHash, &d.Fingerprint, &d.PairedAt, &d.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &d, nil
}

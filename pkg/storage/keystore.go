package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

// KeyStore keeps named identities as raw Ed25519 seeds
type KeyStore struct {
	db *sql.DB
}

// KeyInfo describes a stored identity without its seed
type KeyInfo struct {
	Name      string
	KeyID     string
	CreatedAt int64
}

// Save stores id under name, replacing any previous key with that name
func (ks *KeyStore) Save(name string, id *crypto.Identity) error {
	query := `
		INSERT INTO keys (name, seed, key_id) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			seed = excluded.seed,
			key_id = excluded.key_id
	`
	if _, err := ks.db.Exec(query, name, id.Seed(), id.KeyID().String()); err != nil {
		return fmt.Errorf("failed to save key %q: %w", name, err)
	}
	return nil
}

// Load returns the identity stored under name
func (ks *KeyStore) Load(name string) (*crypto.Identity, error) {
	var seed []byte
	err := ks.db.QueryRow(`SELECT seed FROM keys WHERE name = ?`, name).Scan(&seed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	id, err := crypto.IdentityFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidSeed, name, err)
	}
	return id, nil
}

// LoadOrCreate returns the identity under name, generating and storing a
// new one if there is none. created reports which happened.
func (ks *KeyStore) LoadOrCreate(name string) (id *crypto.Identity, created bool, err error) {
	id, err = ks.Load(name)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if id, err = crypto.GenerateIdentity(); err != nil {
		return nil, false, err
	}
	if err := ks.Save(name, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// List returns all stored identities ordered by name
func (ks *KeyStore) List() ([]KeyInfo, error) {
	rows, err := ks.db.Query(`SELECT name, key_id, created_at FROM keys ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var k KeyInfo
		if err := rows.Scan(&k.Name, &k.KeyID, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes the identity under name
func (ks *KeyStore) Delete(name string) error {
	res, err := ks.db.Exec(`DELETE FROM keys WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %q: %w", name, ErrNotFound)
	}
	return nil
}

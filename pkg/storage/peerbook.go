package storage

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/adnl/pkg/crypto"
)

// PeerBook remembers where peers can be reached
type PeerBook struct {
	db *sql.DB
}

// PeerRecord is a known peer. The key is stored base64 encoded.
type PeerRecord struct {
	KeyID     string
	PublicKey ed25519.PublicKey
	Address   multiaddr.Multiaddr
	AddedAt   int64
	LastSeen  int64
	IsBlocked bool
}

// NewPeerRecord builds a record for key at address
func NewPeerRecord(key ed25519.PublicKey, address multiaddr.Multiaddr) *PeerRecord {
	return &PeerRecord{
		KeyID:     crypto.KeyIDOf(key).String(),
		PublicKey: key,
		Address:   address,
		AddedAt:   time.Now().Unix(),
	}
}

// Save adds or updates a peer
func (pb *PeerBook) Save(p *PeerRecord) error {
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", crypto.ErrInvalidKey, ed25519.PublicKeySize)
	}
	if p.Address == nil {
		return fmt.Errorf("%w: missing address", ErrInvalidAddress)
	}

	query := `
		INSERT INTO peers (key_id, public_key, address, added_at, last_seen, is_blocked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			address = excluded.address,
			last_seen = excluded.last_seen,
			is_blocked = excluded.is_blocked
	`
	_, err := pb.db.Exec(
		query,
		crypto.KeyIDOf(p.PublicKey).String(),
		base64.StdEncoding.EncodeToString(p.PublicKey),
		p.Address.String(),
		p.AddedAt,
		p.LastSeen,
		boolToInt(p.IsBlocked),
	)
	return err
}

// Get returns a peer by hex key-id
func (pb *PeerBook) Get(keyID string) (*PeerRecord, error) {
	row := pb.db.QueryRow(`
		SELECT key_id, public_key, address, added_at, last_seen, is_blocked
		FROM peers WHERE key_id = ?
	`, keyID)

	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %s: %w", keyID, ErrNotFound)
	}
	return p, err
}

// List returns peers that are not blocked, most recently seen first
func (pb *PeerBook) List() ([]*PeerRecord, error) {
	rows, err := pb.db.Query(`
		SELECT key_id, public_key, address, added_at, last_seen, is_blocked
		FROM peers WHERE is_blocked = 0
		ORDER BY last_seen DESC, key_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Touch records that a peer was seen at t
func (pb *PeerBook) Touch(keyID string, t time.Time) error {
	return pb.update(`UPDATE peers SET last_seen = ? WHERE key_id = ?`, t.Unix(), keyID)
}

// SetBlocked blocks or unblocks a peer
func (pb *PeerBook) SetBlocked(keyID string, blocked bool) error {
	return pb.update(`UPDATE peers SET is_blocked = ? WHERE key_id = ?`, boolToInt(blocked), keyID)
}

// Remove deletes a peer
func (pb *PeerBook) Remove(keyID string) error {
	return pb.update(`DELETE FROM peers WHERE key_id = ?`, keyID)
}

func (pb *PeerBook) update(query string, args ...any) error {
	res, err := pb.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("peer %v: %w", args[len(args)-1], ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*PeerRecord, error) {
	var (
		p         PeerRecord
		key, addr string
		blocked   int
	)
	if err := row.Scan(&p.KeyID, &key, &addr, &p.AddedAt, &p.LastSeen, &blocked); err != nil {
		return nil, err
	}

	pub, err := crypto.ParsePublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", p.KeyID, err)
	}
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: peer %s: %v", ErrInvalidAddress, p.KeyID, err)
	}

	p.PublicKey = pub
	p.Address = ma
	p.IsBlocked = intToBool(blocked)
	return &p, nil
}

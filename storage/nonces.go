package storage

import (
	"errors"
	"fmt"
	"time"
)

// MarkSeen records a handshake nonce and reports whether it was fresh. A
// false return means the nonce was seen before and the handshake carrying it
// is a replay. Satisfies network.NonceCache.
func (s *Store) MarkSeen(nonce string, seenAt time.Time) (bool, error) {
	if nonce == "" {
		return false, errors.New("nonce is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_nonces (nonce, seen_at) VALUES (?, ?)
		ON CONFLICT(nonce) DO NOTHING`,
		nonce, seenAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record handshake nonce: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record handshake nonce: %w", err)
	}
	return inserted == 1, nil
}

// PruneSeenNonces removes nonces recorded before cutoff. Nonces older than
// the handshake timestamp window can never verify again, so pruning them does
// not weaken replay protection.
func (s *Store) PruneSeenNonces(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM seen_nonces WHERE seen_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen nonces: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune seen nonces: %w", err)
	}
	return removed, nil
}

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Checkpoint records a partially downloaded file so a later job can resume
// with only the missing chunks. CompletedChunks only ever grows until the
// checkpoint is deleted on completion.
type Checkpoint struct {
	FileID          string
	PeerID          string
	TotalChunks     int
	CompletedChunks map[int]struct{}
	TempPath        string
	UpdatedAt       int64
}

// MissingChunks lists the chunk indices still to fetch, in ascending order.
func (c Checkpoint) MissingChunks() []int {
	missing := make([]int, 0, c.TotalChunks-len(c.CompletedChunks))
	for i := 0; i < c.TotalChunks; i++ {
		if _, done := c.CompletedChunks[i]; !done {
			missing = append(missing, i)
		}
	}
	return missing
}

// SaveCheckpoint inserts or replaces the checkpoint for (file, peer).
func (s *Store) SaveCheckpoint(cp Checkpoint) error {
	if cp.FileID == "" || cp.PeerID == "" {
		return errors.New("file_id and peer_id are required")
	}
	if cp.UpdatedAt == 0 {
		cp.UpdatedAt = nowUnixMilli()
	}

	completed := make([]int, 0, len(cp.CompletedChunks))
	for index := range cp.CompletedChunks {
		completed = append(completed, index)
	}
	sort.Ints(completed)
	encoded, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("encode completed chunks: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO transfer_checkpoints (file_id, peer_id, total_chunks, completed_chunks, temp_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, peer_id) DO UPDATE SET
		  total_chunks = excluded.total_chunks,
		  completed_chunks = excluded.completed_chunks,
		  temp_path = excluded.temp_path,
		  updated_at = excluded.updated_at`,
		cp.FileID, cp.PeerID, cp.TotalChunks, string(encoded), cp.TempPath, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint for %q: %w", cp.FileID, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for (file, peer), or ErrNotFound.
func (s *Store) LoadCheckpoint(fileID, peerID string) (Checkpoint, error) {
	if fileID == "" || peerID == "" {
		return Checkpoint{}, errors.New("file_id and peer_id are required")
	}

	var cp Checkpoint
	var encoded string
	err := s.db.QueryRow(
		`SELECT file_id, peer_id, total_chunks, completed_chunks, temp_path, updated_at
		FROM transfer_checkpoints WHERE file_id = ? AND peer_id = ?`,
		fileID, peerID,
	).Scan(&cp.FileID, &cp.PeerID, &cp.TotalChunks, &encoded, &cp.TempPath, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("checkpoint for %q: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint for %q: %w", fileID, err)
	}

	var completed []int
	if err := json.Unmarshal([]byte(encoded), &completed); err != nil {
		return Checkpoint{}, fmt.Errorf("decode completed chunks for %q: %w", fileID, err)
	}
	cp.CompletedChunks = make(map[int]struct{}, len(completed))
	for _, index := range completed {
		cp.CompletedChunks[index] = struct{}{}
	}
	return cp, nil
}

// DeleteCheckpoint removes the checkpoint after a completed or abandoned
// transfer.
func (s *Store) DeleteCheckpoint(fileID, peerID string) error {
	if _, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints WHERE file_id = ? AND peer_id = ?`,
		fileID, peerID,
	); err != nil {
		return fmt.Errorf("delete checkpoint for %q: %w", fileID, err)
	}
	return nil
}

package storage

import (
	"errors"
	"fmt"
)

// DownloadRecord is one completed download. The log is append-only: records
// are inserted on completion and never updated or deleted.
type DownloadRecord struct {
	ID           int64
	FileID       string
	PeerID       string
	UserID       string
	FileSize     int64
	DownloadedAt int64
}

// RecordDownload appends one completed download to the log.
func (s *Store) RecordDownload(record DownloadRecord) error {
	if record.FileID == "" {
		return errors.New("file_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.DownloadedAt == 0 {
		record.DownloadedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO downloads (file_id, peer_id, user_id, file_size, downloaded_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.FileID, record.PeerID, record.UserID, record.FileSize, record.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("record download of %q: %w", record.FileID, err)
	}
	return nil
}

// DownloadsByFile returns the download history of one file, newest first.
func (s *Store) DownloadsByFile(fileID string) ([]DownloadRecord, error) {
	return s.queryDownloads(
		`SELECT id, file_id, peer_id, user_id, file_size, downloaded_at
		FROM downloads WHERE file_id = ?
		ORDER BY downloaded_at DESC, id DESC`,
		fileID,
	)
}

// DownloadsByPeer returns everything downloaded from one peer, newest first.
func (s *Store) DownloadsByPeer(peerID string) ([]DownloadRecord, error) {
	return s.queryDownloads(
		`SELECT id, file_id, peer_id, user_id, file_size, downloaded_at
		FROM downloads WHERE peer_id = ?
		ORDER BY downloaded_at DESC, id DESC`,
		peerID,
	)
}

// CountDownloads reports how many times a file has been downloaded.
func (s *Store) CountDownloads(fileID string) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM downloads WHERE file_id = ?`, fileID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count downloads of %q: %w", fileID, err)
	}
	return count, nil
}

func (s *Store) queryDownloads(query string, arg any) ([]DownloadRecord, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var records []DownloadRecord
	for rows.Next() {
		var record DownloadRecord
		if err := rows.Scan(&record.ID, &record.FileID, &record.PeerID,
			&record.UserID, &record.FileSize, &record.DownloadedAt); err != nil {
			return nil, fmt.Errorf("scan download record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// User is one known user identity.
type User struct {
	UserID      string
	DisplayName string
	IsAdmin     bool
	CreatedAt   int64
}

// SharedFile is the metadata of one locally shared file.
type SharedFile struct {
	FileID      string
	OwnerUserID string
	FileName    string
	FileSize    int64
	ChunkSize   int
	Visibility  string
	ContentHash string
	ChunkHashes []string
	StoredPath  string
	SharedAt    int64
}

// UpsertUser inserts or refreshes a user record.
func (s *Store) UpsertUser(user User) error {
	if user.UserID == "" {
		return errors.New("user_id is required")
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO users (user_id, display_name, is_admin, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		  display_name = excluded.display_name,
		  is_admin = excluded.is_admin`,
		user.UserID, user.DisplayName, boolToInt(user.IsAdmin), user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", user.UserID, err)
	}
	return nil
}

// GetUser loads one user.
func (s *Store) GetUser(userID string) (User, error) {
	if userID == "" {
		return User{}, errors.New("user_id is required")
	}

	var user User
	var isAdmin int
	err := s.db.QueryRow(
		`SELECT user_id, display_name, is_admin, created_at FROM users WHERE user_id = ?`,
		userID,
	).Scan(&user.UserID, &user.DisplayName, &isAdmin, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %q: %w", userID, err)
	}
	user.IsAdmin = isAdmin == 1
	return user, nil
}

// IsAdmin reports whether a user is an admin. Unknown users are not admins.
func (s *Store) IsAdmin(userID string) (bool, error) {
	user, err := s.GetUser(userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsAdmin, nil
}

// InsertSharedFile records a newly shared file.
func (s *Store) InsertSharedFile(file SharedFile) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if file.OwnerUserID == "" {
		return errors.New("owner_user_id is required")
	}
	if file.SharedAt == 0 {
		file.SharedAt = nowUnixMilli()
	}

	hashes, err := json.Marshal(file.ChunkHashes)
	if err != nil {
		return fmt.Errorf("encode chunk hashes: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO shared_files
		  (file_id, owner_user_id, file_name, file_size, chunk_size, visibility, content_hash, chunk_hashes, stored_path, shared_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.FileID, file.OwnerUserID, file.FileName, file.FileSize, file.ChunkSize,
		file.Visibility, file.ContentHash, string(hashes), file.StoredPath, file.SharedAt,
	)
	if err != nil {
		return fmt.Errorf("insert shared file %q: %w", file.FileID, err)
	}
	return nil
}

// GetSharedFile loads one shared file.
func (s *Store) GetSharedFile(fileID string) (SharedFile, error) {
	if fileID == "" {
		return SharedFile{}, errors.New("file_id is required")
	}

	var file SharedFile
	var hashes string
	err := s.db.QueryRow(
		`SELECT file_id, owner_user_id, file_name, file_size, chunk_size, visibility, content_hash, chunk_hashes, stored_path, shared_at
		FROM shared_files WHERE file_id = ?`,
		fileID,
	).Scan(&file.FileID, &file.OwnerUserID, &file.FileName, &file.FileSize, &file.ChunkSize,
		&file.Visibility, &file.ContentHash, &hashes, &file.StoredPath, &file.SharedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SharedFile{}, fmt.Errorf("shared file %q: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return SharedFile{}, fmt.Errorf("get shared file %q: %w", fileID, err)
	}

	if err := json.Unmarshal([]byte(hashes), &file.ChunkHashes); err != nil {
		return SharedFile{}, fmt.Errorf("decode chunk hashes for %q: %w", fileID, err)
	}
	return file, nil
}

// ListSharedFiles returns all shared files, newest first.
func (s *Store) ListSharedFiles() ([]SharedFile, error) {
	rows, err := s.db.Query(
		`SELECT file_id, owner_user_id, file_name, file_size, chunk_size, visibility, content_hash, chunk_hashes, stored_path, shared_at
		FROM shared_files ORDER BY shared_at DESC, file_id`)
	if err != nil {
		return nil, fmt.Errorf("list shared files: %w", err)
	}
	defer rows.Close()

	var files []SharedFile
	for rows.Next() {
		var file SharedFile
		var hashes string
		if err := rows.Scan(&file.FileID, &file.OwnerUserID, &file.FileName, &file.FileSize, &file.ChunkSize,
			&file.Visibility, &file.ContentHash, &hashes, &file.StoredPath, &file.SharedAt); err != nil {
			return nil, fmt.Errorf("scan shared file: %w", err)
		}
		if err := json.Unmarshal([]byte(hashes), &file.ChunkHashes); err != nil {
			return nil, fmt.Errorf("decode chunk hashes for %q: %w", file.FileID, err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// SetVisibility updates a file's visibility.
func (s *Store) SetVisibility(fileID, visibility string) error {
	res, err := s.db.Exec(
		`UPDATE shared_files SET visibility = ? WHERE file_id = ?`,
		visibility, fileID,
	)
	if err != nil {
		return fmt.Errorf("set visibility for %q: %w", fileID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set visibility for %q: %w", fileID, err)
	}
	if affected == 0 {
		return fmt.Errorf("shared file %q: %w", fileID, ErrNotFound)
	}
	return nil
}

// DeleteSharedFile unshares a file; its permissions cascade away.
func (s *Store) DeleteSharedFile(fileID string) error {
	if _, err := s.db.Exec(`DELETE FROM shared_files WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete shared file %q: %w", fileID, err)
	}
	return nil
}

// GrantPermission allows a user to download a private file.
func (s *Store) GrantPermission(fileID, userID string) error {
	if fileID == "" || userID == "" {
		return errors.New("file_id and user_id are required")
	}
	_, err := s.db.Exec(
		`INSERT INTO file_permissions (file_id, user_id, granted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(file_id, user_id) DO NOTHING`,
		fileID, userID, nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("grant permission on %q to %q: %w", fileID, userID, err)
	}
	return nil
}

// RevokePermission removes a user's grant on a private file. Takes effect at
// the next chunk boundary of any in-flight transfer.
func (s *Store) RevokePermission(fileID, userID string) error {
	if _, err := s.db.Exec(
		`DELETE FROM file_permissions WHERE file_id = ? AND user_id = ?`,
		fileID, userID,
	); err != nil {
		return fmt.Errorf("revoke permission on %q from %q: %w", fileID, userID, err)
	}
	return nil
}

// ListPermitted returns the set of users granted access to a file.
func (s *Store) ListPermitted(fileID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT user_id FROM file_permissions WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list permissions for %q: %w", fileID, err)
	}
	defer rows.Close()

	permitted := make(map[string]struct{})
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan permission for %q: %w", fileID, err)
		}
		permitted[userID] = struct{}{}
	}
	return permitted, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

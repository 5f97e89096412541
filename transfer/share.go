package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/assafd7/p2p-fs-system/access"
	"github.com/assafd7/p2p-fs-system/storage"
)

// Share hashes a local file and registers it for download by other peers.
func (e *Engine) Share(path, ownerUserID string, visibility access.Visibility) (storage.SharedFile, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return storage.SharedFile{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return storage.SharedFile{}, fmt.Errorf("stat %s: %w", absPath, err)
	}

	fileID := uuid.NewString()
	manifest, err := BuildManifest(absPath, fileID, filepath.Base(absPath), e.opts.ChunkSize)
	if err != nil {
		return storage.SharedFile{}, err
	}

	file := storage.SharedFile{
		FileID:      fileID,
		OwnerUserID: ownerUserID,
		FileName:    manifest.FileName,
		FileSize:    manifest.FileSize,
		ChunkSize:   manifest.ChunkSize,
		Visibility:  string(visibility),
		ContentHash: manifest.ContentHash,
		ChunkHashes: manifest.ChunkHashes,
		StoredPath:  absPath,
	}
	if err := e.store.InsertSharedFile(file); err != nil {
		return storage.SharedFile{}, err
	}
	return file, nil
}

// Unshare withdraws a shared file. In-flight chunk requests start failing at
// the next chunk boundary.
func (e *Engine) Unshare(fileID string) error {
	return e.store.DeleteSharedFile(fileID)
}

// Grant allows a user to download a private shared file.
func (e *Engine) Grant(fileID, userID string) error {
	return e.store.GrantPermission(fileID, userID)
}

// Revoke removes a user's grant. In-flight transfers by that user stop at
// the next chunk boundary.
func (e *Engine) Revoke(fileID, userID string) error {
	return e.store.RevokePermission(fileID, userID)
}

// Package transfer moves shared files between peers over established
// sessions: chunked, encrypted, verified per chunk and end to end, resumable
// across restarts, and re-authorized at every chunk boundary on the serving
// side.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/assafd7/p2p-fs-system/network"
	"github.com/assafd7/p2p-fs-system/storage"
)

// DefaultChunkSize is the transfer chunk size (256 KiB).
const DefaultChunkSize = 256 * 1024

// BuildManifest hashes a file chunk by chunk and as a whole, producing the
// metadata a downloader needs to verify every piece independently.
func BuildManifest(path, fileID, fileName string, chunkSize int) (network.FileManifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return network.FileManifest{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return network.FileManifest{}, fmt.Errorf("stat %s: %w", path, err)
	}

	whole := sha256.New()
	buf := make([]byte, chunkSize)
	var chunkHashes []string
	for {
		n, readErr := io.ReadFull(file, buf)
		if n > 0 {
			chunk := buf[:n]
			sum := sha256.Sum256(chunk)
			chunkHashes = append(chunkHashes, hex.EncodeToString(sum[:]))
			whole.Write(chunk)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return network.FileManifest{}, fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	return network.FileManifest{
		Type:        network.TypeFileManifest,
		FileID:      fileID,
		FileName:    fileName,
		FileSize:    info.Size(),
		ChunkSize:   chunkSize,
		ChunkHashes: chunkHashes,
		ContentHash: hex.EncodeToString(whole.Sum(nil)),
	}, nil
}

// ManifestFromRecord rebuilds the wire manifest of an already shared file
// from its stored metadata, without re-reading the file.
func ManifestFromRecord(file storage.SharedFile) network.FileManifest {
	return network.FileManifest{
		Type:        network.TypeFileManifest,
		FileID:      file.FileID,
		FileName:    file.FileName,
		FileSize:    file.FileSize,
		ChunkSize:   file.ChunkSize,
		ChunkHashes: append([]string(nil), file.ChunkHashes...),
		ContentHash: file.ContentHash,
	}
}

// ChunkCount returns how many chunks a file of the given size splits into.
func ChunkCount(fileSize int64, chunkSize int) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	count := fileSize / int64(chunkSize)
	if fileSize%int64(chunkSize) != 0 {
		count++
	}
	return int(count)
}

// VerifyChunk checks one plaintext chunk against the manifest's hash.
func VerifyChunk(manifest network.FileManifest, chunkIndex int, plaintext []byte) bool {
	if chunkIndex < 0 || chunkIndex >= len(manifest.ChunkHashes) {
		return false
	}
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:]) == manifest.ChunkHashes[chunkIndex]
}

// FileContentHash hashes a whole file on disk.
func FileContentHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ReadChunk reads the chunk at the given index from an open file.
func ReadChunk(file *os.File, chunkIndex, chunkSize int) ([]byte, error) {
	buf := make([]byte, chunkSize)
	n, err := file.ReadAt(buf, int64(chunkIndex)*int64(chunkSize))
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buf[:n], nil
}

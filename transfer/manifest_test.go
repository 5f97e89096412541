package transfer

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	return path, content
}

func TestBuildManifest(t *testing.T) {
	const chunkSize = 1024
	path, content := writeTempFile(t, chunkSize*3+100)

	manifest, err := BuildManifest(path, "file-1", "payload.bin", chunkSize)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}

	if manifest.FileSize != int64(len(content)) {
		t.Fatalf("file size = %d, want %d", manifest.FileSize, len(content))
	}
	if len(manifest.ChunkHashes) != 4 {
		t.Fatalf("chunk hashes = %d, want 4", len(manifest.ChunkHashes))
	}
	if manifest.ContentHash == "" {
		t.Fatal("content hash empty")
	}

	// Every chunk of the source verifies against its manifest hash.
	for index := 0; index < 4; index++ {
		start := index * chunkSize
		end := start + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if !VerifyChunk(manifest, index, content[start:end]) {
			t.Fatalf("chunk %d failed verification", index)
		}
	}

	// A corrupted chunk does not.
	corrupt := append([]byte(nil), content[:chunkSize]...)
	corrupt[10] ^= 0xff
	if VerifyChunk(manifest, 0, corrupt) {
		t.Fatal("corrupted chunk verified")
	}
	if VerifyChunk(manifest, 99, content[:chunkSize]) {
		t.Fatal("out-of-range index verified")
	}
}

func TestManifestMatchesWholeFileHash(t *testing.T) {
	path, _ := writeTempFile(t, 5000)
	manifest, err := BuildManifest(path, "file-1", "payload.bin", 1024)
	if err != nil {
		t.Fatal(err)
	}
	whole, err := FileContentHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if whole != manifest.ContentHash {
		t.Fatalf("content hash mismatch: %s vs %s", whole, manifest.ContentHash)
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{10 * 1024, 1024, 10},
		{10*1024 + 1, 1024, 11},
	}
	for _, tc := range tests {
		if got := ChunkCount(tc.size, tc.chunkSize); got != tc.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.want)
		}
	}
}

func TestReadChunk(t *testing.T) {
	const chunkSize = 512
	path, content := writeTempFile(t, chunkSize*2+33)

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	first, err := ReadChunk(file, 0, chunkSize)
	if err != nil {
		t.Fatalf("read chunk 0: %v", err)
	}
	if !bytes.Equal(first, content[:chunkSize]) {
		t.Fatal("chunk 0 mismatch")
	}

	last, err := ReadChunk(file, 2, chunkSize)
	if err != nil {
		t.Fatalf("read chunk 2: %v", err)
	}
	if !bytes.Equal(last, content[chunkSize*2:]) {
		t.Fatal("trailing short chunk mismatch")
	}
	if len(last) != 33 {
		t.Fatalf("trailing chunk length = %d, want 33", len(last))
	}
}

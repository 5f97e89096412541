package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/assafd7/p2p-fs-system/access"
	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/faults"
	"github.com/assafd7/p2p-fs-system/network"
	"github.com/assafd7/p2p-fs-system/registry"
	"github.com/assafd7/p2p-fs-system/storage"
)

type testNode struct {
	identity    appcrypto.Identity
	userID      string
	store       *storage.Store
	manager     *network.Manager
	registry    *registry.Registry
	engine      *Engine
	downloadDir string
	shareDir    string
}

func newTestNode(t *testing.T, userID string, opts Options) *testNode {
	t.Helper()
	dir := t.TempDir()

	identity, err := appcrypto.LoadOrCreateIdentity(
		filepath.Join(dir, "private.pem"),
		filepath.Join(dir, "public.pem"),
	)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	store, err := storage.OpenPath(filepath.Join(dir, "node.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	manager := network.NewManager(network.ManagerOptions{
		ListenAddress:    "127.0.0.1:0",
		Identity:         identity,
		UserID:           userID,
		Nonces:           store,
		HandshakeTimeout: 5 * time.Second,
	})

	reg := registry.New(identity.PeerID, registry.Options{})

	downloadDir := filepath.Join(dir, "downloads")
	if err := os.MkdirAll(downloadDir, 0o700); err != nil {
		t.Fatal(err)
	}
	shareDir := filepath.Join(dir, "share")
	if err := os.MkdirAll(shareDir, 0o700); err != nil {
		t.Fatal(err)
	}

	opts.DownloadDir = downloadDir
	engine := NewEngine(opts, manager, reg, store, userID)
	manager.OnSession(engine.HandleSession)

	if err := manager.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Stop() })
	t.Cleanup(engine.Stop)

	return &testNode{
		identity:    identity,
		userID:      userID,
		store:       store,
		manager:     manager,
		registry:    reg,
		engine:      engine,
		downloadDir: downloadDir,
		shareDir:    shareDir,
	}
}

// learnPeer adds other to this node's registry, as discovery would.
func (n *testNode) learnPeer(t *testing.T, other *testNode) {
	t.Helper()
	addr, ok := other.manager.ListenAddr().(*net.TCPAddr)
	if !ok {
		t.Fatal("listener address is not TCP")
	}
	n.registry.Announce(registry.Peer{
		ID:              other.identity.PeerID,
		DisplayName:     other.userID,
		Address:         "127.0.0.1",
		Port:            addr.Port,
		ProtocolVersion: network.ProtocolVersion,
	})
}

// shareContent writes random content to the node's share directory and
// registers it for download.
func (n *testNode) shareContent(t *testing.T, size int, visibility access.Visibility) (storage.SharedFile, []byte) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(n.shareDir, "shared.bin")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	file, err := n.engine.Share(path, n.userID, visibility)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	return file, content
}

func waitForJob(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(20 * time.Second):
		t.Fatalf("job did not finish; state=%s", job.State())
	}
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(message)
}

func smallChunkOptions() Options {
	return Options{
		ChunkSize:       1024,
		ChunkWindow:     4,
		MaxChunkRetries: 1,
		ChunkTimeout:    3 * time.Second,
		ManifestTimeout: 5 * time.Second,
		CheckpointEvery: 2,
	}
}

func TestPublicFileDownload(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	file, content := uploader.shareContent(t, 1024*3+700, access.VisibilityPublic)

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobCompleted {
		t.Fatalf("job state = %s (err=%v), want COMPLETED", state, job.Err())
	}

	got, err := os.ReadFile(filepath.Join(downloader.downloadDir, file.FileName))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}

	// The checkpoint is gone once the file is verified and moved into place.
	if _, err := downloader.store.LoadCheckpoint(file.FileID, uploader.identity.PeerID); err == nil {
		t.Fatal("checkpoint survived completed download")
	}

	// After the downloader acknowledges the final chunk, the uploader logs the
	// download exactly once.
	pollUntil(t, 5*time.Second, func() bool {
		records, err := uploader.store.DownloadsByFile(file.FileID)
		return err == nil && len(records) == 1
	}, "uploader never recorded the download")

	records, err := uploader.store.DownloadsByFile(file.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].PeerID != downloader.identity.PeerID || records[0].UserID != "user-downloader" {
		t.Fatalf("unexpected download record: %+v", records[0])
	}
}

func TestRepeatedDownloadsAreEachLogged(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	file, _ := uploader.shareContent(t, chunkedSize(300), access.VisibilityPublic)

	for round := 1; round <= 2; round++ {
		job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
		if err != nil {
			t.Fatalf("download %d: %v", round, err)
		}
		waitForJob(t, job)
		if state := job.State(); state != JobCompleted {
			t.Fatalf("download %d state = %s (err=%v), want COMPLETED", round, state, job.Err())
		}
		pollUntil(t, 5*time.Second, func() bool {
			records, err := uploader.store.DownloadsByFile(file.FileID)
			return err == nil && len(records) == round
		}, "uploader log missing a completed download")
		pollUntil(t, 5*time.Second, func() bool {
			_, ok := downloader.engine.Job(job.ID)
			return !ok
		}, "finished job not unregistered")
	}

	count, err := uploader.store.CountDownloads(file.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("download count = %d, want 2", count)
	}
}

func TestPrivateFileDeniedWithoutGrant(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	file, _ := uploader.shareContent(t, 2048, access.VisibilityPrivate)

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobFailed {
		t.Fatalf("job state = %s, want FAILED", state)
	}
	if !faults.IsKind(job.Err(), faults.KindPermission) {
		t.Fatalf("job error = %v, want permission fault", job.Err())
	}
	if _, err := os.Stat(filepath.Join(downloader.downloadDir, file.FileName)); err == nil {
		t.Fatal("denied download produced a file")
	}
}

func TestPrivateFileAllowedForPermittedUser(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	file, content := uploader.shareContent(t, 4096+10, access.VisibilityPrivate)
	if err := uploader.engine.Grant(file.FileID, "user-downloader"); err != nil {
		t.Fatal(err)
	}

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobCompleted {
		t.Fatalf("job state = %s (err=%v), want COMPLETED", state, job.Err())
	}
	got, err := os.ReadFile(filepath.Join(downloader.downloadDir, file.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}
}

func TestPrivateFileAllowedForAdmin(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-admin", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	if err := uploader.store.UpsertUser(storage.User{UserID: "user-admin", IsAdmin: true}); err != nil {
		t.Fatal(err)
	}
	file, _ := uploader.shareContent(t, 2048, access.VisibilityPrivate)

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobCompleted {
		t.Fatalf("job state = %s (err=%v), want COMPLETED", state, job.Err())
	}
}

func TestRevocationBlocksSubsequentDownloads(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	file, _ := uploader.shareContent(t, 2048, access.VisibilityPrivate)
	if err := uploader.engine.Grant(file.FileID, "user-downloader"); err != nil {
		t.Fatal(err)
	}

	first, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatal(err)
	}
	waitForJob(t, first)
	if first.State() != JobCompleted {
		t.Fatalf("first download failed: %v", first.Err())
	}

	if err := uploader.engine.Revoke(file.FileID, "user-downloader"); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, 5*time.Second, func() bool {
		_, ok := downloader.engine.Job(first.ID)
		return !ok
	}, "completed job was never unregistered")

	second, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatal(err)
	}
	waitForJob(t, second)
	if second.State() != JobFailed || !faults.IsKind(second.Err(), faults.KindPermission) {
		t.Fatalf("post-revocation download: state=%s err=%v", second.State(), second.Err())
	}
}

func TestUnknownFileFailsJob(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, "no-such-file")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobFailed {
		t.Fatalf("job state = %s, want FAILED", state)
	}
}

func TestCorruptChunksFailWithIntegrityError(t *testing.T) {
	uploader := newTestNode(t, "user-uploader", smallChunkOptions())
	downloader := newTestNode(t, "user-downloader", smallChunkOptions())
	downloader.learnPeer(t, uploader)

	const chunkSize = 1024
	file, content := uploader.shareContent(t, chunkSize*4, access.VisibilityPublic)

	// Corrupt chunk 1 of the stored copy after the manifest was built: that
	// chunk fails hash verification on every retry while the others verify.
	corrupted := append([]byte(nil), content[chunkSize:chunkSize*2]...)
	for i := range corrupted {
		corrupted[i] ^= 0xaa
	}
	source, err := os.OpenFile(file.StoredPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := source.WriteAt(corrupted, chunkSize); err != nil {
		t.Fatal(err)
	}
	source.Close()

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobFailed {
		t.Fatalf("job state = %s, want FAILED", state)
	}
	if !faults.IsKind(job.Err(), faults.KindIntegrity) {
		t.Fatalf("job error = %v, want integrity fault", job.Err())
	}
	if _, err := os.Stat(filepath.Join(downloader.downloadDir, file.FileName)); err == nil {
		t.Fatal("corrupt download produced a final file")
	}

	// The good chunks stay recorded for a later resume; the bad one does not.
	cp, err := downloader.store.LoadCheckpoint(file.FileID, uploader.identity.PeerID)
	if err != nil {
		t.Fatalf("load checkpoint after failure: %v", err)
	}
	if _, done := cp.CompletedChunks[1]; done {
		t.Fatal("corrupt chunk marked completed")
	}
	if len(cp.CompletedChunks) != 3 {
		t.Fatalf("completed chunks = %v, want the three intact chunks", cp.CompletedChunks)
	}
}

func TestResumeSkipsCompletedChunks(t *testing.T) {
	opts := smallChunkOptions()
	uploader := newTestNode(t, "user-uploader", opts)
	downloader := newTestNode(t, "user-downloader", opts)
	downloader.learnPeer(t, uploader)

	const chunkSize = 1024
	file, content := uploader.shareContent(t, chunkSize*5+77, access.VisibilityPublic)
	totalChunks := ChunkCount(file.FileSize, chunkSize)

	// Corrupt chunks 0 and 1 of the uploader's stored copy. If the resumed
	// job re-requested them it would fail verification, so a completed
	// download proves only the missing chunks were fetched.
	source, err := os.OpenFile(file.StoredPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	poison := bytes.Repeat([]byte{0xee}, chunkSize*2)
	if _, err := source.WriteAt(poison, 0); err != nil {
		t.Fatal(err)
	}
	source.Close()

	// Seed the downloader with a prior partial download holding the intact
	// originals of chunks 0 and 1.
	partialDir := filepath.Join(downloader.downloadDir, "partial")
	if err := os.MkdirAll(partialDir, 0o700); err != nil {
		t.Fatal(err)
	}
	tempPath := filepath.Join(partialDir, file.FileID+".part")
	if err := os.WriteFile(tempPath, content[:chunkSize*2], 0o600); err != nil {
		t.Fatal(err)
	}
	checkpoint := storage.Checkpoint{
		FileID:          file.FileID,
		PeerID:          uploader.identity.PeerID,
		TotalChunks:     totalChunks,
		CompletedChunks: map[int]struct{}{0: {}, 1: {}},
		TempPath:        tempPath,
	}
	if err := downloader.store.SaveCheckpoint(checkpoint); err != nil {
		t.Fatal(err)
	}

	job, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	waitForJob(t, job)

	if state := job.State(); state != JobCompleted {
		t.Fatalf("job state = %s (err=%v), want COMPLETED", state, job.Err())
	}
	got, err := os.ReadFile(filepath.Join(downloader.downloadDir, file.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed download does not match the original content")
	}

	// The uploader counts the restored chunks too, so the resumed download
	// still shows up in its log.
	pollUntil(t, 5*time.Second, func() bool {
		records, err := uploader.store.DownloadsByFile(file.FileID)
		return err == nil && len(records) == 1
	}, "uploader never recorded the resumed download")
}

func TestCancelledJobReleasesItsSlot(t *testing.T) {
	opts := smallChunkOptions()
	opts.MaxActiveJobs = 1
	uploader := newTestNode(t, "user-uploader", opts)
	downloader := newTestNode(t, "user-downloader", opts)
	downloader.learnPeer(t, uploader)

	file, _ := uploader.shareContent(t, chunkedSize(64), access.VisibilityPublic)

	first, err := downloader.engine.Download(context.Background(), uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	first.Cancel()
	waitForJob(t, first)

	if state := first.State(); state != JobCancelled && state != JobCompleted {
		t.Fatalf("first job state = %s, want CANCELLED (or COMPLETED if it outran the cancel)", state)
	}

	// The route entry is removed shortly after Done closes; wait for it so
	// the second job is not rejected as a duplicate.
	pollUntil(t, 5*time.Second, func() bool {
		_, ok := downloader.engine.Job(first.ID)
		return !ok
	}, "cancelled job was never unregistered")

	// With the single slot released, a fresh job must be admitted promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := downloader.engine.Download(ctx, uploader.identity.PeerID, file.FileID)
	if err != nil {
		t.Fatalf("second download blocked: %v", err)
	}
	waitForJob(t, second)
	if state := second.State(); state != JobCompleted {
		t.Fatalf("second job state = %s (err=%v), want COMPLETED", state, second.Err())
	}
}

func chunkedSize(chunks int) int {
	return chunks * 1024
}

func TestJobSnapshotAndTerminalStates(t *testing.T) {
	job := newJob(context.Background(), "file-1", "peer-a")

	snapshot := job.Snapshot()
	if snapshot.State != JobPending || snapshot.FileID != "file-1" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	job.setAuthorizing()
	if job.State() != JobAuthorizing {
		t.Fatalf("state = %s, want AUTHORIZING", job.State())
	}
	job.setActive(network.FileManifest{}, nil)
	if job.State() != JobActive {
		t.Fatalf("state = %s, want ACTIVE", job.State())
	}

	job.finish(JobCompleted, nil)
	if job.State() != JobCompleted {
		t.Fatalf("state = %s, want COMPLETED", job.State())
	}

	// Terminal states are sticky.
	job.finish(JobFailed, context.Canceled)
	if job.State() != JobCompleted || job.Err() != nil {
		t.Fatalf("terminal state overwritten: %s / %v", job.State(), job.Err())
	}

	select {
	case <-job.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestJobTransitionTable(t *testing.T) {
	legal := []struct{ from, to JobState }{
		{JobPending, JobAuthorizing},
		{JobPending, JobFailed},
		{JobPending, JobCancelled},
		{JobAuthorizing, JobActive},
		{JobAuthorizing, JobFailed},
		{JobAuthorizing, JobCancelled},
		{JobActive, JobCompleted},
		{JobActive, JobFailed},
		{JobActive, JobCancelled},
	}
	for _, tc := range legal {
		if err := checkJobTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s rejected: %v", tc.from, tc.to, err)
		}
	}

	illegal := []struct{ from, to JobState }{
		{JobPending, JobActive},
		{JobPending, JobCompleted},
		{JobAuthorizing, JobCompleted},
		{JobActive, JobAuthorizing},
		{JobCompleted, JobActive},
		{JobCompleted, JobFailed},
		{JobFailed, JobPending},
		{JobCancelled, JobFailed},
	}
	for _, tc := range illegal {
		err := checkJobTransition(tc.from, tc.to)
		if !errors.Is(err, ErrIllegalJobTransition) {
			t.Errorf("%s -> %s allowed", tc.from, tc.to)
		}
	}
}

func TestJobSkippingAuthorizationStaysPending(t *testing.T) {
	job := newJob(context.Background(), "file-1", "peer-a")
	job.setActive(network.FileManifest{ChunkHashes: []string{"h0"}}, nil)
	if job.State() != JobPending {
		t.Fatalf("state = %s, want PENDING", job.State())
	}
}

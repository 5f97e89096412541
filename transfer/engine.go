package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/semaphore"

	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/faults"
	"github.com/assafd7/p2p-fs-system/network"
	"github.com/assafd7/p2p-fs-system/registry"
	"github.com/assafd7/p2p-fs-system/storage"
)

const (
	// DefaultMaxActiveJobs caps concurrent download jobs across all peers.
	DefaultMaxActiveJobs = 4
	// DefaultChunkWindow is the pipelining depth: chunk requests kept in
	// flight per job.
	DefaultChunkWindow = 8
	// DefaultMaxChunkRetries is how many times one chunk is refetched before
	// the job fails.
	DefaultMaxChunkRetries = 3
	// DefaultChunkTimeout bounds the wait for one chunk response.
	DefaultChunkTimeout = 10 * time.Second
	// DefaultManifestTimeout bounds the wait for a file manifest.
	DefaultManifestTimeout = 30 * time.Second
	// defaultCheckpointEvery is how many verified chunks pass between
	// checkpoint writes.
	defaultCheckpointEvery = 16
)

var (
	// ErrUnknownPeer indicates the peer is not in the registry.
	ErrUnknownPeer = errors.New("transfer: peer not found in registry")
	// ErrJobNotFound indicates no job with the given ID exists.
	ErrJobNotFound = errors.New("transfer: job not found")
	// ErrDuplicateJob indicates a live job already covers (peer, file).
	ErrDuplicateJob = errors.New("transfer: download already in progress")
)

// Options configures a transfer engine.
type Options struct {
	DownloadDir     string
	ChunkSize       int
	MaxActiveJobs   int64
	ChunkWindow     int
	MaxChunkRetries uint64
	ChunkTimeout    time.Duration
	ManifestTimeout time.Duration
	CheckpointEvery int
}

func (o *Options) withDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxActiveJobs <= 0 {
		o.MaxActiveJobs = DefaultMaxActiveJobs
	}
	if o.ChunkWindow <= 0 {
		o.ChunkWindow = DefaultChunkWindow
	}
	if o.MaxChunkRetries == 0 {
		o.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.ManifestTimeout <= 0 {
		o.ManifestTimeout = DefaultManifestTimeout
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = defaultCheckpointEvery
	}
}

// Engine drives downloads and serves uploads over established sessions.
type Engine struct {
	opts Options

	manager  *network.Manager
	registry *registry.Registry
	store    *storage.Store

	localUserID string

	// slots bounds concurrent downloads node-wide.
	slots *semaphore.Weighted

	jobsMu sync.RWMutex
	jobs   map[string]*Job
	routes map[string]*Job

	servesMu sync.Mutex
	serves   map[string]*serveState

	errs chan error

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine builds an engine. Register its HandleSession with the session
// manager before starting it.
func NewEngine(opts Options, manager *network.Manager, reg *registry.Registry, store *storage.Store, localUserID string) *Engine {
	opts.withDefaults()
	return &Engine{
		opts:        opts,
		manager:     manager,
		registry:    reg,
		store:       store,
		localUserID: localUserID,
		slots:       semaphore.NewWeighted(opts.MaxActiveJobs),
		jobs:        make(map[string]*Job),
		routes:      make(map[string]*Job),
		serves:      make(map[string]*serveState),
		errs:        make(chan error, 16),
		done:        make(chan struct{}),
	}
}

// Errors exposes background failures. The channel is never closed.
func (e *Engine) Errors() <-chan error { return e.errs }

// Stop cancels every live job and waits for workers to drain. Checkpoints of
// unfinished jobs stay on disk for later resume.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.jobsMu.RLock()
		jobs := make([]*Job, 0, len(e.jobs))
		for _, job := range e.jobs {
			jobs = append(jobs, job)
		}
		e.jobsMu.RUnlock()
		for _, job := range jobs {
			job.Cancel()
		}
		e.wg.Wait()
	})
}

// Job looks up a job by ID.
func (e *Engine) Job(jobID string) (*Job, bool) {
	e.jobsMu.RLock()
	defer e.jobsMu.RUnlock()
	job, ok := e.jobs[jobID]
	return job, ok
}

// Cancel stops a job at the next chunk boundary.
func (e *Engine) Cancel(jobID string) error {
	job, ok := e.Job(jobID)
	if !ok {
		return ErrJobNotFound
	}
	job.Cancel()
	return nil
}

// Download starts fetching a file from a peer. It blocks until a global job
// slot is free (or ctx is cancelled), then runs the transfer in the
// background and returns the job handle immediately.
func (e *Engine) Download(ctx context.Context, peerID, fileID string) (*Job, error) {
	peer, ok := e.registry.Lookup(peerID)
	if !ok {
		return nil, faults.NewFile(faults.KindNetwork, peerID, fileID, ErrUnknownPeer)
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	job := newJob(context.Background(), fileID, peerID)
	if err := e.registerJob(job); err != nil {
		e.slots.Release(1)
		return nil, err
	}

	address := fmt.Sprintf("%s:%d", peer.Address, peer.Port)
	session, err := e.manager.Connect(ctx, address, peerID)
	if err != nil {
		e.unregisterJob(job)
		e.slots.Release(1)
		e.registry.MarkUnreachable(peerID)
		return nil, err
	}
	e.registry.MarkReachable(peerID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.slots.Release(1)
		defer e.unregisterJob(job)
		e.runDownload(job, session)
	}()
	return job, nil
}

func (e *Engine) registerJob(job *Job) error {
	key := routeKey(job.PeerID, job.FileID)
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	if _, exists := e.routes[key]; exists {
		return faults.NewFile(faults.KindProtocol, job.PeerID, job.FileID, ErrDuplicateJob)
	}
	e.jobs[job.ID] = job
	e.routes[key] = job
	return nil
}

func (e *Engine) unregisterJob(job *Job) {
	key := routeKey(job.PeerID, job.FileID)
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	delete(e.jobs, job.ID)
	if e.routes[key] == job {
		delete(e.routes, key)
	}
}

func (e *Engine) routedJob(peerID, fileID string) (*Job, bool) {
	e.jobsMu.RLock()
	defer e.jobsMu.RUnlock()
	job, ok := e.routes[routeKey(peerID, fileID)]
	return job, ok
}

func routeKey(peerID, fileID string) string {
	return peerID + "|" + fileID
}

func (e *Engine) runDownload(job *Job, session *network.Session) {
	job.setAuthorizing()
	manifest, err := e.fetchManifest(job, session)
	if err != nil {
		job.finish(JobFailed, err)
		e.emitError(err)
		return
	}

	totalChunks := len(manifest.ChunkHashes)
	if expected := ChunkCount(manifest.FileSize, manifest.ChunkSize); totalChunks != expected {
		err := faults.NewFile(faults.KindProtocol, job.PeerID, job.FileID,
			fmt.Errorf("manifest chunk count %d does not match size (%d expected)", totalChunks, expected))
		job.finish(JobFailed, err)
		e.emitError(err)
		return
	}

	tempPath, completed, err := e.prepareResume(job, totalChunks)
	if err != nil {
		job.finish(JobFailed, err)
		e.emitError(err)
		return
	}
	job.setActive(manifest, completed)

	tempFile, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		failure := faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID, fmt.Errorf("open partial file: %w", err))
		job.finish(JobFailed, failure)
		e.emitError(failure)
		return
	}
	defer tempFile.Close()

	if err := e.fetchMissing(job, session, manifest, tempFile, tempPath); err != nil {
		e.persistCheckpoint(job, tempPath, totalChunks)
		if job.State() == JobCancelled {
			job.finish(JobCancelled, nil)
			return
		}
		job.finish(JobFailed, err)
		e.emitError(err)
		return
	}

	// Final write-out order: checkpoint first so a crash between sync and
	// rename still resumes cleanly.
	e.persistCheckpoint(job, tempPath, totalChunks)
	if err := tempFile.Sync(); err != nil {
		failure := faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID, fmt.Errorf("sync partial file: %w", err))
		job.finish(JobFailed, failure)
		e.emitError(failure)
		return
	}

	contentHash, err := FileContentHash(tempPath)
	if err != nil {
		failure := faults.NewFile(faults.KindIntegrity, job.PeerID, job.FileID, err)
		job.finish(JobFailed, failure)
		e.emitError(failure)
		return
	}
	if contentHash != manifest.ContentHash {
		failure := faults.NewFile(faults.KindIntegrity, job.PeerID, job.FileID,
			fmt.Errorf("content hash mismatch: got %s, want %s", contentHash, manifest.ContentHash))
		job.finish(JobFailed, failure)
		e.emitError(failure)
		return
	}

	finalPath := filepath.Join(e.opts.DownloadDir, filepath.Base(manifest.FileName))
	if err := os.Rename(tempPath, finalPath); err != nil {
		failure := faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID, fmt.Errorf("finalize download: %w", err))
		job.finish(JobFailed, failure)
		e.emitError(failure)
		return
	}
	if err := e.store.DeleteCheckpoint(job.FileID, job.PeerID); err != nil {
		e.emitError(err)
	}

	// Chunks restored from a checkpoint were never acknowledged on this
	// session; ack them now so the serving side sees the download complete.
	for index := range completed {
		ack := network.ChunkAck{Type: network.TypeChunkAck, FileID: job.FileID, ChunkIndex: index}
		if err := session.SendSecure(ack); err != nil {
			break
		}
	}
	job.finish(JobCompleted, nil)
}

func (e *Engine) fetchManifest(job *Job, session *network.Session) (network.FileManifest, error) {
	request := network.FileRequest{
		Type:      network.TypeFileRequest,
		FileID:    job.FileID,
		UserID:    e.localUserID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := session.SendSecure(request); err != nil {
		return network.FileManifest{}, faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID, err)
	}

	timer := time.NewTimer(e.opts.ManifestTimeout)
	defer timer.Stop()
	select {
	case manifest := <-job.manifests:
		return manifest, nil
	case remote := <-job.remoteErr:
		return network.FileManifest{}, e.remoteFault(job, remote)
	case <-timer.C:
		return network.FileManifest{}, faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID,
			errors.New("timed out waiting for file manifest"))
	case <-job.ctx.Done():
		return network.FileManifest{}, job.ctx.Err()
	case <-session.Done():
		return network.FileManifest{}, e.sessionGone(job, session)
	}
}

// prepareResume loads any prior checkpoint for (file, peer) and returns the
// partial file path plus the chunks already verified.
func (e *Engine) prepareResume(job *Job, totalChunks int) (string, map[int]struct{}, error) {
	partialDir := filepath.Join(e.opts.DownloadDir, "partial")
	if err := os.MkdirAll(partialDir, 0o700); err != nil {
		return "", nil, faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID, fmt.Errorf("create partial dir: %w", err))
	}
	tempPath := filepath.Join(partialDir, job.FileID+".part")

	cp, err := e.store.LoadCheckpoint(job.FileID, job.PeerID)
	if errors.Is(err, storage.ErrNotFound) {
		return tempPath, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	// A checkpoint against a different chunking, or a vanished partial file,
	// cannot be trusted; start over.
	if cp.TotalChunks != totalChunks {
		return tempPath, nil, nil
	}
	if cp.TempPath != "" {
		if _, statErr := os.Stat(cp.TempPath); statErr == nil {
			return cp.TempPath, cp.CompletedChunks, nil
		}
		return tempPath, nil, nil
	}
	return tempPath, cp.CompletedChunks, nil
}

// fetchMissing pulls every not-yet-completed chunk with a bounded number of
// in-flight requests.
func (e *Engine) fetchMissing(job *Job, session *network.Session, manifest network.FileManifest, tempFile *os.File, tempPath string) error {
	missing := storage.Checkpoint{
		TotalChunks:     len(manifest.ChunkHashes),
		CompletedChunks: job.completedSet(),
	}.MissingChunks()
	indices := make(chan int)
	go func() {
		defer close(indices)
		for _, i := range missing {
			select {
			case indices <- i:
			case <-job.ctx.Done():
				return
			}
		}
	}()

	workers := e.opts.ChunkWindow
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	var checkpointCounter int
	var counterMu sync.Mutex

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indices {
				if err := e.fetchChunk(job, session, manifest, index, tempFile); err != nil {
					errCh <- err
					job.cancel()
					return
				}
				counterMu.Lock()
				checkpointCounter++
				flush := checkpointCounter%e.opts.CheckpointEvery == 0
				counterMu.Unlock()
				if flush {
					e.persistCheckpoint(job, tempPath, len(manifest.ChunkHashes))
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	return job.ctx.Err()
}

// fetchChunk requests one chunk, decrypts and verifies it, and writes it at
// its offset. Transient failures are retried with exponential backoff; a
// chunk that stays bad after the retry budget fails the job.
func (e *Engine) fetchChunk(job *Job, session *network.Session, manifest network.FileManifest, index int, tempFile *os.File) error {
	operation := func() error {
		if err := job.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		waiter := job.expectChunk(index)
		defer job.forgetChunk(index)

		request := network.ChunkRequest{
			Type:       network.TypeChunkRequest,
			FileID:     job.FileID,
			UserID:     e.localUserID,
			ChunkIndex: index,
		}
		if err := session.SendSecure(request); err != nil {
			return faults.NewChunk(faults.KindNetwork, job.PeerID, job.FileID, index, err)
		}

		timer := time.NewTimer(e.opts.ChunkTimeout)
		defer timer.Stop()

		var data network.ChunkData
		select {
		case data = <-waiter:
		case remote := <-job.remoteErr:
			return backoff.Permanent(e.remoteFault(job, remote))
		case <-timer.C:
			return faults.NewChunk(faults.KindNetwork, job.PeerID, job.FileID, index,
				errors.New("timed out waiting for chunk"))
		case <-job.ctx.Done():
			return backoff.Permanent(job.ctx.Err())
		case <-session.Done():
			return backoff.Permanent(e.sessionGone(job, session))
		}

		ciphertext, err := base64.StdEncoding.DecodeString(data.Ciphertext)
		if err != nil {
			return faults.NewChunk(faults.KindProtocol, job.PeerID, job.FileID, index,
				fmt.Errorf("decode chunk ciphertext: %w", err))
		}
		plaintext, err := appOpenChunk(session, job.FileID, index, ciphertext)
		if err != nil {
			return faults.NewChunk(faults.KindIntegrity, job.PeerID, job.FileID, index, err)
		}
		if !VerifyChunk(manifest, index, plaintext) {
			return faults.NewChunk(faults.KindIntegrity, job.PeerID, job.FileID, index,
				errors.New("chunk hash mismatch"))
		}

		offset := int64(index) * int64(manifest.ChunkSize)
		if _, err := tempFile.WriteAt(plaintext, offset); err != nil {
			return backoff.Permanent(faults.NewChunk(faults.KindNetwork, job.PeerID, job.FileID, index,
				fmt.Errorf("write chunk: %w", err)))
		}

		job.markChunk(index, len(plaintext))
		ack := network.ChunkAck{Type: network.TypeChunkAck, FileID: job.FileID, ChunkIndex: index}
		_ = session.SendSecure(ack)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.opts.MaxChunkRetries),
		job.ctx,
	)
	return backoff.Retry(operation, policy)
}

func (e *Engine) persistCheckpoint(job *Job, tempPath string, totalChunks int) {
	cp := storage.Checkpoint{
		FileID:          job.FileID,
		PeerID:          job.PeerID,
		TotalChunks:     totalChunks,
		CompletedChunks: job.completedSet(),
		TempPath:        tempPath,
	}
	if err := e.store.SaveCheckpoint(cp); err != nil {
		e.emitError(err)
	}
}

func (e *Engine) remoteFault(job *Job, remote network.ErrorMessage) error {
	chunk := faults.NoChunk
	if remote.ChunkIndex != nil {
		chunk = *remote.ChunkIndex
	}
	kind := faults.KindProtocol
	switch remote.Code {
	case network.ErrCodePermissionDenied:
		kind = faults.KindPermission
	case network.ErrCodeUnknownFile:
		kind = faults.KindProtocol
	}
	return faults.NewChunk(kind, job.PeerID, job.FileID, chunk,
		fmt.Errorf("peer error %s: %s", remote.Code, remote.Message))
}

func (e *Engine) sessionGone(job *Job, session *network.Session) error {
	if err := session.LastError(); err != nil {
		return err
	}
	return faults.NewFile(faults.KindNetwork, job.PeerID, job.FileID, errors.New("session closed"))
}

func (e *Engine) emitError(err error) {
	if err == nil {
		return
	}
	select {
	case e.errs <- err:
	default:
	}
}

func appOpenChunk(session *network.Session, fileID string, index int, ciphertext []byte) ([]byte, error) {
	return appcrypto.OpenChunk(session.Key(), session.ID(), fileID, index, ciphertext)
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assafd7/p2p-fs-system/network"
)

// JobState is the lifecycle state of one download job.
type JobState string

const (
	JobPending     JobState = "PENDING"
	JobAuthorizing JobState = "AUTHORIZING"
	JobActive      JobState = "ACTIVE"
	JobCompleted   JobState = "COMPLETED"
	JobFailed      JobState = "FAILED"
	JobCancelled   JobState = "CANCELLED"
)

// validJobTransitions is the exhaustive transition table. FAILED and
// CANCELLED are reachable from every non-terminal state; the terminal states
// have no successors.
var validJobTransitions = map[JobState][]JobState{
	JobPending:     {JobAuthorizing, JobFailed, JobCancelled},
	JobAuthorizing: {JobActive, JobFailed, JobCancelled},
	JobActive:      {JobCompleted, JobFailed, JobCancelled},
	JobCompleted:   {},
	JobFailed:      {},
	JobCancelled:   {},
}

// ErrIllegalJobTransition indicates a job state-machine bug.
var ErrIllegalJobTransition = errors.New("transfer: illegal job state transition")

func checkJobTransition(from, to JobState) error {
	for _, next := range validJobTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalJobTransition, from, to)
}

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Progress is a point-in-time snapshot of a job.
type Progress struct {
	JobID           string
	FileID          string
	PeerID          string
	State           JobState
	TotalChunks     int
	CompletedChunks int
	BytesReceived   int64
	StartedAt       time.Time
	Err             error
}

// Job is one download in progress. Chunk workers share it; all mutable state
// is guarded by mu.
type Job struct {
	ID     string
	FileID string
	PeerID string

	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time

	mu            sync.Mutex
	state         JobState
	manifest      network.FileManifest
	completed     map[int]struct{}
	bytesReceived int64
	err           error

	// pending routes inbound chunk data to the worker waiting on that index.
	pendingMu sync.Mutex
	pending   map[int]chan network.ChunkData

	manifests chan network.FileManifest
	remoteErr chan network.ErrorMessage

	done chan struct{}
}

func newJob(parent context.Context, fileID, peerID string) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		ID:        uuid.NewString(),
		FileID:    fileID,
		PeerID:    peerID,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		state:     JobPending,
		completed: make(map[int]struct{}),
		pending:   make(map[int]chan network.ChunkData),
		manifests: make(chan network.FileManifest, 1),
		remoteErr: make(chan network.ErrorMessage, 4),
		done:      make(chan struct{}),
	}
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error of a failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel stops the job at the next chunk boundary. Chunks already verified
// stay on disk and in the checkpoint, so a later job can resume.
func (j *Job) Cancel() {
	j.mu.Lock()
	if checkJobTransition(j.state, JobCancelled) == nil {
		j.state = JobCancelled
	}
	j.mu.Unlock()
	j.cancel()
}

// Snapshot returns the job's current progress.
func (j *Job) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{
		JobID:           j.ID,
		FileID:          j.FileID,
		PeerID:          j.PeerID,
		State:           j.state,
		TotalChunks:     len(j.manifest.ChunkHashes),
		CompletedChunks: len(j.completed),
		BytesReceived:   j.bytesReceived,
		StartedAt:       j.startedAt,
		Err:             j.err,
	}
}

// setAuthorizing marks the job as waiting on the remote peer's manifest and
// authorization answer.
func (j *Job) setAuthorizing() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if checkJobTransition(j.state, JobAuthorizing) != nil {
		return
	}
	j.state = JobAuthorizing
}

func (j *Job) setActive(manifest network.FileManifest, alreadyCompleted map[int]struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if checkJobTransition(j.state, JobActive) != nil {
		return
	}
	j.state = JobActive
	j.manifest = manifest
	for index := range alreadyCompleted {
		j.completed[index] = struct{}{}
	}
}

func (j *Job) markChunk(index, size int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.completed[index]; dup {
		return
	}
	j.completed[index] = struct{}{}
	j.bytesReceived += int64(size)
}

func (j *Job) completedSet() map[int]struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[int]struct{}, len(j.completed))
	for index := range j.completed {
		out[index] = struct{}{}
	}
	return out
}

// finish moves the job into a terminal state. A job cancelled mid-flight
// keeps JobCancelled even if a worker reports a late error.
func (j *Job) finish(state JobState, err error) {
	j.mu.Lock()
	if checkJobTransition(j.state, state) == nil {
		j.state = state
		j.err = err
	}
	j.mu.Unlock()
	j.cancel()
	select {
	case <-j.done:
	default:
		close(j.done)
	}
}

// expectChunk registers interest in one chunk index and returns the channel
// its data will arrive on.
func (j *Job) expectChunk(index int) chan network.ChunkData {
	j.pendingMu.Lock()
	defer j.pendingMu.Unlock()
	ch, ok := j.pending[index]
	if !ok {
		ch = make(chan network.ChunkData, 1)
		j.pending[index] = ch
	}
	return ch
}

func (j *Job) forgetChunk(index int) {
	j.pendingMu.Lock()
	defer j.pendingMu.Unlock()
	delete(j.pending, index)
}

// deliverChunk routes inbound chunk data to the waiting worker. Unsolicited
// chunks are dropped.
func (j *Job) deliverChunk(data network.ChunkData) {
	j.pendingMu.Lock()
	ch, ok := j.pending[data.ChunkIndex]
	j.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
	}
}

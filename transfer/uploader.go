package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/assafd7/p2p-fs-system/access"
	appcrypto "github.com/assafd7/p2p-fs-system/crypto"
	"github.com/assafd7/p2p-fs-system/faults"
	"github.com/assafd7/p2p-fs-system/network"
	"github.com/assafd7/p2p-fs-system/storage"
)

// serveState tracks one remote peer's progress through a served file so a
// completed download can be recorded exactly once. The entry is removed when
// the download completes or the session ends, so a later re-download of the
// same file starts a fresh count and is logged again.
type serveState struct {
	totalChunks int
	fileSize    int64
	userID      string
	acked       map[int]struct{}
}

// HandleSession is the per-session message loop. Register it with the
// session manager; it runs until the session reaches a terminal state.
func (e *Engine) HandleSession(session *network.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer e.dropServes(session.RemotePeerID())
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		payload, err := session.Receive(ctx)
		if err != nil {
			return
		}
		msgType, err := network.DecodeMessageType(payload)
		if err != nil {
			e.emitError(faults.New(faults.KindProtocol, session.RemotePeerID(), err))
			continue
		}

		switch msgType {
		case network.TypeFileRequest:
			var request network.FileRequest
			if err := decodeInner(payload, &request); err != nil {
				e.emitError(err)
				continue
			}
			e.handleFileRequest(session, request)
		case network.TypeChunkRequest:
			var request network.ChunkRequest
			if err := decodeInner(payload, &request); err != nil {
				e.emitError(err)
				continue
			}
			e.handleChunkRequest(session, request)
		case network.TypeChunkAck:
			var ack network.ChunkAck
			if err := decodeInner(payload, &ack); err != nil {
				e.emitError(err)
				continue
			}
			e.handleChunkAck(session, ack)
		case network.TypeFileManifest:
			var manifest network.FileManifest
			if err := decodeInner(payload, &manifest); err != nil {
				e.emitError(err)
				continue
			}
			if job, ok := e.routedJob(session.RemotePeerID(), manifest.FileID); ok {
				select {
				case job.manifests <- manifest:
				default:
				}
			}
		case network.TypeChunkData:
			var data network.ChunkData
			if err := decodeInner(payload, &data); err != nil {
				e.emitError(err)
				continue
			}
			if job, ok := e.routedJob(session.RemotePeerID(), data.FileID); ok {
				job.deliverChunk(data)
			}
		case network.TypeError:
			var remote network.ErrorMessage
			if err := decodeInner(payload, &remote); err != nil {
				e.emitError(err)
				continue
			}
			e.handleRemoteError(session, remote)
		default:
			e.emitError(faults.New(faults.KindProtocol, session.RemotePeerID(),
				fmt.Errorf("unexpected message type %q", msgType)))
		}
	}
}

// handleFileRequest authorizes the requester and answers with the file's
// manifest or a permission error.
func (e *Engine) handleFileRequest(session *network.Session, request network.FileRequest) {
	file, decision, err := e.authorize(session, request.FileID)
	if err != nil {
		e.sendServeError(session, network.ErrCodeUnknownFile, request.FileID, nil, "file is not shared")
		return
	}
	if !decision.Allowed {
		e.sendServeError(session, network.ErrCodePermissionDenied, request.FileID, nil, string(decision.Reason))
		return
	}

	e.trackServe(session, file)
	if err := session.SendSecure(ManifestFromRecord(file)); err != nil {
		e.emitError(faults.NewFile(faults.KindNetwork, session.RemotePeerID(), request.FileID, err))
	}
}

// handleChunkRequest re-checks authorization before every chunk, so a
// revoked grant takes effect at the next chunk boundary of an in-flight
// transfer.
func (e *Engine) handleChunkRequest(session *network.Session, request network.ChunkRequest) {
	file, decision, err := e.authorize(session, request.FileID)
	if err != nil {
		e.sendServeError(session, network.ErrCodeUnknownFile, request.FileID, &request.ChunkIndex, "file is not shared")
		return
	}
	if !decision.Allowed {
		e.sendServeError(session, network.ErrCodePermissionDenied, request.FileID, &request.ChunkIndex, string(decision.Reason))
		return
	}

	totalChunks := ChunkCount(file.FileSize, file.ChunkSize)
	if request.ChunkIndex < 0 || request.ChunkIndex >= totalChunks {
		e.sendServeError(session, network.ErrCodeUnknownFile, request.FileID, &request.ChunkIndex, "chunk index out of range")
		return
	}

	source, err := os.Open(file.StoredPath)
	if err != nil {
		e.emitError(faults.NewChunk(faults.KindNetwork, session.RemotePeerID(), request.FileID, request.ChunkIndex,
			fmt.Errorf("open shared file: %w", err)))
		e.sendServeError(session, network.ErrCodeInternal, request.FileID, &request.ChunkIndex, "file unavailable")
		return
	}
	defer source.Close()

	plaintext, err := ReadChunk(source, request.ChunkIndex, file.ChunkSize)
	if err != nil {
		e.emitError(faults.NewChunk(faults.KindNetwork, session.RemotePeerID(), request.FileID, request.ChunkIndex,
			fmt.Errorf("read chunk: %w", err)))
		e.sendServeError(session, network.ErrCodeInternal, request.FileID, &request.ChunkIndex, "chunk unavailable")
		return
	}

	ciphertext, err := appcrypto.SealChunk(session.Key(), session.ID(), request.FileID, request.ChunkIndex, plaintext)
	if err != nil {
		e.emitError(faults.NewChunk(faults.KindProtocol, session.RemotePeerID(), request.FileID, request.ChunkIndex, err))
		return
	}

	data := network.ChunkData{
		Type:       network.TypeChunkData,
		FileID:     request.FileID,
		ChunkIndex: request.ChunkIndex,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Size:       len(plaintext),
	}
	if err := session.SendSecure(data); err != nil {
		e.emitError(faults.NewChunk(faults.KindNetwork, session.RemotePeerID(), request.FileID, request.ChunkIndex, err))
	}
}

// handleChunkAck counts verified chunks on the serving side and appends a
// download record once the remote peer has acknowledged every chunk.
func (e *Engine) handleChunkAck(session *network.Session, ack network.ChunkAck) {
	key := routeKey(session.RemotePeerID(), ack.FileID)

	e.servesMu.Lock()
	state, ok := e.serves[key]
	if !ok {
		e.servesMu.Unlock()
		return
	}
	state.acked[ack.ChunkIndex] = struct{}{}
	complete := len(state.acked) >= state.totalChunks
	if complete {
		delete(e.serves, key)
	}
	e.servesMu.Unlock()

	if !complete {
		return
	}
	record := storage.DownloadRecord{
		FileID:       ack.FileID,
		PeerID:       session.RemotePeerID(),
		UserID:       state.userID,
		FileSize:     state.fileSize,
		DownloadedAt: time.Now().UnixMilli(),
	}
	if err := e.store.RecordDownload(record); err != nil {
		e.emitError(err)
	}
}

func (e *Engine) handleRemoteError(session *network.Session, remote network.ErrorMessage) {
	job, ok := e.routedJob(session.RemotePeerID(), remote.FileID)
	if !ok {
		e.emitError(faults.New(faults.KindProtocol, session.RemotePeerID(),
			fmt.Errorf("peer error %s: %s", remote.Code, remote.Message)))
		return
	}
	select {
	case job.remoteErr <- remote:
	default:
		job.finish(JobFailed, e.remoteFault(job, remote))
	}
}

// authorize loads the file's descriptor and evaluates the authenticated
// remote user against it. The user identity comes from the session handshake,
// never from the request body.
func (e *Engine) authorize(session *network.Session, fileID string) (storage.SharedFile, access.Decision, error) {
	file, err := e.store.GetSharedFile(fileID)
	if err != nil {
		return storage.SharedFile{}, access.Decision{}, err
	}
	permitted, err := e.store.ListPermitted(fileID)
	if err != nil {
		return storage.SharedFile{}, access.Decision{}, err
	}
	userID := session.RemoteUserID()
	isAdmin, err := e.store.IsAdmin(userID)
	if err != nil {
		return storage.SharedFile{}, access.Decision{}, err
	}

	decision := access.Authorize(access.FileDescriptor{
		FileID:      file.FileID,
		OwnerUserID: file.OwnerUserID,
		Visibility:  access.Visibility(file.Visibility),
		Permitted:   permitted,
	}, access.Requester{UserID: userID, IsAdmin: isAdmin})
	return file, decision, nil
}

// trackServe starts counting acknowledgements for one transfer. A file
// request marks the start of a download attempt, so any progress left over
// from an earlier attempt is discarded.
func (e *Engine) trackServe(session *network.Session, file storage.SharedFile) {
	key := routeKey(session.RemotePeerID(), file.FileID)
	e.servesMu.Lock()
	defer e.servesMu.Unlock()
	e.serves[key] = &serveState{
		totalChunks: ChunkCount(file.FileSize, file.ChunkSize),
		fileSize:    file.FileSize,
		userID:      session.RemoteUserID(),
		acked:       make(map[int]struct{}),
	}
}

// dropServes forgets all serve progress for a peer when its session ends.
func (e *Engine) dropServes(peerID string) {
	prefix := peerID + "|"
	e.servesMu.Lock()
	defer e.servesMu.Unlock()
	for key := range e.serves {
		if strings.HasPrefix(key, prefix) {
			delete(e.serves, key)
		}
	}
}

func (e *Engine) sendServeError(session *network.Session, code, fileID string, chunkIndex *int, message string) {
	msg := network.ErrorMessage{
		Type:       network.TypeError,
		Code:       code,
		Message:    message,
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := session.SendSecure(msg); err != nil && !errors.Is(err, context.Canceled) {
		e.emitError(faults.NewFile(faults.KindNetwork, session.RemotePeerID(), fileID, err))
	}
}

func decodeInner(payload []byte, out any) error {
	if err := network.DecodeInto(payload, out); err != nil {
		return faults.New(faults.KindProtocol, "", err)
	}
	return nil
}

package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"justsyncit/internal/caspkg"
	"justsyncit/internal/chunker"
	"justsyncit/internal/corepkg"
	"justsyncit/internal/hashpkg"
	"justsyncit/internal/logging"
	"justsyncit/internal/metastore"
)

// transferState tracks one in-flight (possibly resumed) file transfer on
// the receiver side: which chunks have been acked, and the pending file
// metadata once its Manifest has arrived but before TransferComplete
// commits it. Kept in memory only; a receiver restart loses in-progress
// (not yet completed) transfers, which the sender's retry/resume logic
// tolerates by starting over from chunk 0 (spec §4.10: resume negotiates
// the highest contiguous ack known to the receiver, and 0 is always a
// safe, if inefficient, answer).
type transferState struct {
	mu                sync.Mutex
	highestContiguous int // -1 means nothing acked yet
	acked             map[int]bool
	manifest          *Manifest
}

func newTransferState() *transferState {
	return &transferState{highestContiguous: -1, acked: make(map[int]bool)}
}

func (t *transferState) ackChunk(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked[index] = true
	for t.acked[t.highestContiguous+1] {
		t.highestContiguous++
	}
}

func (t *transferState) resumePoint() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highestContiguous + 1
}

// Receiver accepts peer connections and installs files pushed by a Sender
// (spec §4.10 connection state machine: Closed -> WaitHandshake ->
// Established -> Transferring -> Established).
type Receiver struct {
	Transport         Transport
	Chunks            *caspkg.Store
	Meta              *metastore.Store
	Pipeline          chunker.Pipeline
	NodeID            string
	Version           string
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	MaxRetries        int
	Logger            *slog.Logger

	mu        sync.Mutex
	transfers map[string]*transferState
}

// Serve listens on addr and handles connections until ctx is cancelled.
func (r *Receiver) Serve(ctx context.Context, addr string) error {
	logger := logging.Default(r.Logger).With("component", "transfer-receiver")

	r.mu.Lock()
	if r.transfers == nil {
		r.transfers = make(map[string]*transferState)
	}
	r.mu.Unlock()

	ln, err := r.Transport.Listen(addr)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "listen for transfers", err)
	}
	defer ln.Close()

	logger.Info("transfer receiver listening", "addr", ln.Addr().String())
	return acceptLoop(ctx, ln, logger, func(nc net.Conn) {
		r.handleConn(ctx, nc)
	})
}

func (r *Receiver) stateFor(transferID string) *transferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.transfers[transferID]
	if !ok {
		ts = newTransferState()
		r.transfers[transferID] = ts
	}
	return ts
}

func (r *Receiver) forgetState(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfers, transferID)
}

func (r *Receiver) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	c := newConn(nc, r.Logger)
	logger := c.logger

	kaCtx, cancelKA := context.WithCancel(ctx)
	defer cancelKA()
	go func() {
		if err := runKeepalive(kaCtx, c, r.KeepaliveInterval, r.IdleTimeout); err != nil && kaCtx.Err() == nil {
			logger.Warn("keepalive ended connection", "error", err)
			nc.Close()
		}
	}()

	frame, err := c.recv()
	if err != nil {
		logger.Debug("connection closed before handshake", "error", err)
		return
	}
	if frame.Header.Type != TypeHandshake {
		r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "expected Handshake")
		return
	}
	hs, err := DecodeHandshake(frame.Payload)
	if err != nil {
		r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "malformed handshake")
		return
	}
	if err := c.send(TypeHandshakeResponse, frame.Header.MessageID, HandshakeResponse{
		NodeID: r.NodeID, Version: r.Version, Accepted: true,
	}.Encode()); err != nil {
		logger.Debug("failed to send handshake response", "error", err)
		return
	}
	c.setState(ConnEstablished)
	logger.Info("peer connected", "peer_node_id", hs.NodeID)

	for {
		frame, err := c.recv()
		if err != nil {
			logger.Debug("connection ended", "error", err)
			return
		}

		switch frame.Header.Type {
		case TypePing:
			ping, err := DecodePingPong(frame.Payload)
			if err != nil {
				continue
			}
			c.send(TypePong, frame.Header.MessageID, PingPong{TimestampMs: ping.TimestampMs}.Encode())
		case TypePong:
			// lastActivity already updated by recv(); nothing else to do.
		case TypeTransferRequest:
			if err := r.handleTransferRequest(ctx, c, frame); err != nil {
				logger.Warn("transfer failed", "error", err)
				return
			}
		case TypePullRequest:
			if err := r.fulfillPull(ctx, c, frame); err != nil {
				logger.Warn("pull fulfillment failed", "error", err)
				return
			}
		default:
			r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation,
				fmt.Sprintf("unexpected message type %s in Established state", frame.Header.Type))
			return
		}
	}
}

func (r *Receiver) replyError(c *conn, messageID uint32, code uint32, message string) {
	c.send(TypeError, messageID, ErrorMessage{Code: code, Message: message}.Encode())
}

// handleTransferRequest drives one file transfer through Transferring back
// to Established: accept the offer, answer with the resume point, stream
// ChunkData until Manifest + TransferComplete, then commit.
func (r *Receiver) handleTransferRequest(ctx context.Context, c *conn, frame Frame) error {
	logger := c.logger
	req, err := DecodeTransferRequest(frame.Payload)
	if err != nil {
		r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "malformed transfer request")
		return err
	}

	ts := r.stateFor(req.TransferID)
	resumeFrom := ts.resumePoint()

	if err := c.send(TypeTransferResponse, frame.Header.MessageID, TransferResponse{
		TransferID: req.TransferID,
		Accepted:   true,
		Reason:     encodeResume(resumeFrom),
	}.Encode()); err != nil {
		return err
	}
	c.setState(ConnTransferring)
	logger.Info("transfer offered", "transfer_id", req.TransferID, "file_name", req.FileName, "resume_from", resumeFrom)

	var manifest *Manifest
	for {
		frame, err := c.recv()
		if err != nil {
			return err
		}

		switch frame.Header.Type {
		case TypeChunkData:
			chunk, err := DecodeChunkData(frame.Payload)
			if err != nil {
				r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "malformed chunk data")
				return err
			}
			if chunk.TransferID != req.TransferID {
				r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "chunk for unknown transfer")
				return corepkg.New(corepkg.KindProtocolViolation, "chunk transfer_id mismatch")
			}
			ackErr := r.Chunks.PutRaw(chunk.Checksum, chunk.Data)
			if ackErr != nil {
				logger.Warn("chunk rejected", "chunk_index", chunk.ChunkIndex, "error", ackErr)
				c.send(TypeChunkAck, frame.Header.MessageID, ChunkAck{
					TransferID: req.TransferID, ChunkIndex: chunk.ChunkIndex,
					Success: false, ErrorMessage: "checksum",
				}.Encode())
				continue
			}
			ts.ackChunk(int(chunk.ChunkIndex))
			c.send(TypeChunkAck, frame.Header.MessageID, ChunkAck{
				TransferID: req.TransferID, ChunkIndex: chunk.ChunkIndex, Success: true,
			}.Encode())

		case TypeManifest:
			m, err := DecodeManifest(frame.Payload)
			if err != nil {
				r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "malformed manifest")
				return err
			}
			manifest = &m
			ts.mu.Lock()
			ts.manifest = manifest
			ts.mu.Unlock()

		case TypeTransferComplete:
			done, err := DecodeTransferComplete(frame.Payload)
			if err != nil {
				return err
			}
			if !done.Success {
				logger.Warn("sender reported transfer failure", "reason", done.ErrorMessage)
				r.forgetState(req.TransferID)
				c.setState(ConnEstablished)
				return nil
			}
			if manifest == nil {
				r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "transfer complete without manifest")
				return corepkg.New(corepkg.KindProtocolViolation, "missing manifest at transfer complete")
			}
			if err := r.commitManifest(ctx, req.TransferID, *manifest); err != nil {
				return err
			}
			r.forgetState(req.TransferID)
			c.setState(ConnEstablished)
			logger.Info("transfer installed", "transfer_id", req.TransferID, "path", manifest.Path)
			return nil

		default:
			r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation,
				fmt.Sprintf("unexpected message type %s in Transferring state", frame.Header.Type))
			return corepkg.New(corepkg.KindProtocolViolation, "unexpected message in Transferring state")
		}
	}
}

// fulfillPull answers a PullRequest by reversing roles over the same
// connection: the peer that dialed in becomes the receiver of this node's
// own snapshot files, driven by the same Sender state machine a push uses
// (spec §6 pull(snapshot_id, peer), resolved without a separate wire
// protocol by routing through the existing TransferRequest/ChunkData/
// Manifest exchange once the puller has asked for a snapshot).
func (r *Receiver) fulfillPull(ctx context.Context, c *conn, frame Frame) error {
	req, err := DecodePullRequest(frame.Payload)
	if err != nil {
		r.replyError(c, frame.Header.MessageID, ErrorCodeProtocolViolation, "malformed pull request")
		return err
	}

	logger := c.logger.With("snapshot_id", req.SnapshotID)
	files, err := r.Meta.ListFiles(ctx, req.SnapshotID)
	if err != nil {
		r.replyError(c, frame.Header.MessageID, ErrorCodeRejected, fmt.Sprintf("unknown snapshot %s", req.SnapshotID))
		return err
	}

	sender := &Sender{Chunks: r.Chunks, NodeID: r.NodeID, Version: r.Version, MaxRetries: r.MaxRetries, Logger: r.Logger}
	for i, rec := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		transferID := fmt.Sprintf("%s-%d", req.SnapshotID, i)
		file := FileFromRecord(transferID, rec, 0)
		if _, err := sender.sendFileOverConn(ctx, c, logger, file); err != nil {
			return err
		}
	}
	logger.Info("pull fulfilled", "files", len(files))
	// Closing here (rather than looping back for another frame) tells the
	// puller the snapshot is complete: it has no other way to know how many
	// files to expect before dialing.
	c.Close()
	return nil
}

// commitManifest installs a received file into a pending snapshot named
// after the transfer_id, completing it immediately: a pushed file is
// always a whole, self-contained snapshot from the receiver's point of
// view (spec §4.10: "manifest installation is atomic and follows
// successful chunk transfer").
func (r *Receiver) commitManifest(ctx context.Context, transferID string, m Manifest) error {
	snap, err := r.Meta.CreateSnapshotPending(ctx, transferID, fmt.Sprintf("received via transfer %s", transferID))
	if err != nil {
		return err
	}

	sizes := make(map[hashpkg.Digest]int64, len(m.Chunks))
	for _, digest := range m.Chunks {
		if _, header, err := r.Chunks.Get(digest); err == nil {
			sizes[digest] = int64(header.OriginalSize)
		}
	}

	rec := metastore.FileRecord{
		SnapshotID:    snap.SnapshotID,
		Path:          m.Path,
		Size:          m.Size,
		MtimeNs:       m.MtimeNs,
		Mode:          m.Mode,
		Kind:          metastore.Kind(m.Kind),
		SymlinkTarget: m.SymlinkTarget,
		ContentDigest: m.ContentDigest,
		Chunks:        m.Chunks,
	}
	if err := r.Meta.AddFile(ctx, rec, sizes); err != nil {
		r.Meta.FailSnapshot(ctx, snap.SnapshotID)
		return err
	}

	return r.Meta.CompleteSnapshot(ctx, snap.SnapshotID, metastore.Aggregates{
		FileCount:  1,
		TotalSize:  m.Size,
		ChunkCount: int64(len(m.Chunks)),
	})
}

package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"justsyncit/internal/caspkg"
	"justsyncit/internal/corepkg"
	"justsyncit/internal/hashpkg"
	"justsyncit/internal/logging"
	"justsyncit/internal/metastore"
)

// SendState is the sender-side per-transfer state machine (spec §4.10):
//
//	Idle -> Offered -> Streaming -> Idle (success) | Failed
type SendState int

const (
	SendIdle SendState = iota
	SendOffered
	SendStreaming
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "Idle"
	case SendOffered:
		return "Offered"
	case SendStreaming:
		return "Streaming"
	case SendFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Backoff parameters for chunk retry (spec §4.10 Reliability: "base 1s,
// factor 1.5, cap 60s").
const (
	backoffBase   = time.Second
	backoffFactor = 1.5
	backoffCap    = 60 * time.Second
)

func backoffDelay(attempt int) time.Duration {
	d := float64(backoffBase) * math.Pow(backoffFactor, float64(attempt))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	return time.Duration(d)
}

// File describes one file offered to a peer, grounded on metastore's
// FileRecord but decoupled from it so Sender has no metastore dependency
// beyond reading records via the caller.
type File struct {
	TransferID    string
	Path          string
	Size          int64
	MtimeNs       int64
	Mode          string
	Kind          string
	SymlinkTarget string
	ContentDigest hashpkg.Digest
	Chunks        []hashpkg.Digest
	// ChunkSize is the nominal chunk size in bytes used to produce Chunks,
	// carried in TransferRequest for the receiver's own bookkeeping; it is
	// not used to reinterpret chunk boundaries on receipt since each chunk
	// arrives as an already-framed blob (spec §4.10 ChunkData payload).
	ChunkSize int64
}

// Sender pushes one file at a time to a peer Receiver, streaming each
// chunk's raw on-disk bytes and retrying individual chunks on failure
// before committing a Manifest (spec §4.10).
type Sender struct {
	Transport  Transport
	Chunks     *caspkg.Store
	NodeID     string
	Version    string
	MaxRetries int
	Logger     *slog.Logger
}

// Send pushes file to addr. On a dropped connection it is the caller's
// responsibility to invoke Send again with the same file.TransferID; the
// resume point is then negotiated during the handshake/TransferRequest
// exchange below.
func (s *Sender) Send(ctx context.Context, addr string, file File) (state SendState, err error) {
	logger := logging.Default(s.Logger).With("component", "transfer-sender", "transfer_id", file.TransferID)
	state = SendIdle

	nc, err := s.Transport.Dial(ctx, addr)
	if err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindIoError, "dial peer", err)
	}
	c := newConn(nc, logger)
	defer c.Close()

	if err := c.send(TypeHandshake, c.nextID(), Handshake{NodeID: s.NodeID, Version: s.Version}.Encode()); err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindIoError, "send handshake", err)
	}
	frame, err := c.recv()
	if err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindIoError, "receive handshake response", err)
	}
	if frame.Header.Type != TypeHandshakeResponse {
		return SendFailed, corepkg.New(corepkg.KindProtocolViolation, fmt.Sprintf("expected HandshakeResponse, got %s", frame.Header.Type))
	}
	hresp, err := DecodeHandshakeResponse(frame.Payload)
	if err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindProtocolViolation, "decode handshake response", err)
	}
	if !hresp.Accepted {
		return SendFailed, corepkg.New(corepkg.KindPeerRejected, fmt.Sprintf("peer rejected handshake: %s", hresp.Reason))
	}
	c.setState(ConnEstablished)
	return s.sendFileOverConn(ctx, c, logger, file)
}

// sendFileOverConn runs the TransferRequest/chunk-stream/Manifest/
// TransferComplete exchange over an already-handshaken connection c. Send
// uses it after dialing; Receiver.fulfillPull uses it over an accepted
// connection to answer a PullRequest, since the exchange itself does not
// care which side opened the TCP connection.
func (s *Sender) sendFileOverConn(ctx context.Context, c *conn, logger *slog.Logger, file File) (state SendState, err error) {
	state = SendOffered
	if err := c.send(TypeTransferRequest, c.nextID(), TransferRequest{
		TransferID: file.TransferID,
		FileName:   file.Path,
		FileSize:   uint64(file.Size),
		ChunkSize:  uint32(file.ChunkSize),
	}.Encode()); err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindIoError, "send transfer request", err)
	}
	frame, err := c.recv()
	if err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindIoError, "receive transfer response", err)
	}
	if frame.Header.Type != TypeTransferResponse {
		return SendFailed, corepkg.New(corepkg.KindProtocolViolation, fmt.Sprintf("expected TransferResponse, got %s", frame.Header.Type))
	}
	tresp, err := DecodeTransferResponse(frame.Payload)
	if err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindProtocolViolation, "decode transfer response", err)
	}
	if !tresp.Accepted {
		return SendFailed, corepkg.New(corepkg.KindPeerRejected, fmt.Sprintf("peer rejected transfer: %s", tresp.Reason))
	}
	resumeFrom := parseResume(tresp.Reason)

	c.setState(ConnTransferring)
	state = SendStreaming
	for idx := resumeFrom; idx < len(file.Chunks); idx++ {
		if err := ctx.Err(); err != nil {
			return SendFailed, err
		}
		if err := s.sendChunkWithRetry(ctx, c, file.TransferID, idx, file.Chunks[idx], logger); err != nil {
			return SendFailed, err
		}
	}

	if err := s.sendManifest(c, file); err != nil {
		return SendFailed, err
	}

	if err := c.send(TypeTransferComplete, c.nextID(), TransferComplete{TransferID: file.TransferID, Success: true}.Encode()); err != nil {
		return SendFailed, corepkg.Wrap(corepkg.KindIoError, "send transfer complete", err)
	}

	c.setState(ConnEstablished)
	logger.Info("transfer completed", "path", file.Path, "chunks", len(file.Chunks))
	return SendIdle, nil
}

func (s *Sender) sendChunkWithRetry(ctx context.Context, c *conn, transferID string, index int, digest hashpkg.Digest, logger *slog.Logger) error {
	raw, err := s.Chunks.GetRaw(digest)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, fmt.Sprintf("read chunk %s", digest), err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			logger.Warn("retrying chunk", "chunk_index", index, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.send(TypeChunkData, c.nextID(), ChunkData{
			TransferID: transferID,
			ChunkIndex: uint32(index),
			Checksum:   digest,
			Data:       raw,
		}.Encode()); err != nil {
			lastErr = corepkg.Wrap(corepkg.KindIoError, "send chunk data", err)
			continue
		}

		frame, err := c.recv()
		if err != nil {
			lastErr = corepkg.Wrap(corepkg.KindIoError, "receive chunk ack", err)
			continue
		}
		if frame.Header.Type != TypeChunkAck {
			return corepkg.New(corepkg.KindProtocolViolation, fmt.Sprintf("expected ChunkAck, got %s", frame.Header.Type))
		}
		ack, err := DecodeChunkAck(frame.Payload)
		if err != nil {
			return corepkg.Wrap(corepkg.KindProtocolViolation, "decode chunk ack", err)
		}
		if ack.Success {
			return nil
		}
		lastErr = corepkg.New(corepkg.KindHashMismatch, fmt.Sprintf("chunk %d rejected: %s", index, ack.ErrorMessage))
	}
	return corepkg.Wrap(corepkg.KindIoError, fmt.Sprintf("chunk %d failed after %d retries", index, s.MaxRetries), lastErr)
}

func (s *Sender) sendManifest(c *conn, file File) error {
	m := Manifest{
		TransferID:    file.TransferID,
		Path:          file.Path,
		Size:          file.Size,
		MtimeNs:       file.MtimeNs,
		Mode:          file.Mode,
		Kind:          file.Kind,
		SymlinkTarget: file.SymlinkTarget,
		ContentDigest: file.ContentDigest,
		Chunks:        file.Chunks,
	}
	if err := c.send(TypeManifest, c.nextID(), m.Encode()); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "send manifest", err)
	}
	return nil
}

// FileFromRecord adapts a metastore.FileRecord into the Sender's File shape
// for a given transfer.
func FileFromRecord(transferID string, rec metastore.FileRecord, chunkSize int64) File {
	return File{
		TransferID:    transferID,
		Path:          rec.Path,
		Size:          rec.Size,
		MtimeNs:       rec.MtimeNs,
		Mode:          rec.Mode,
		Kind:          string(rec.Kind),
		SymlinkTarget: rec.SymlinkTarget,
		ContentDigest: rec.ContentDigest,
		Chunks:        rec.Chunks,
		ChunkSize:     chunkSize,
	}
}

const resumePrefix = "resume:"

func encodeResume(highestContiguous int) string {
	return resumePrefix + strconv.Itoa(highestContiguous)
}

// parseResume extracts a resume index encoded in a TransferResponse.Reason
// by the receiver (see receiver.go); absent or malformed reasons resume
// from the beginning.
func parseResume(reason string) int {
	if !strings.HasPrefix(reason, resumePrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(reason, resumePrefix))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

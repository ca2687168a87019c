package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"justsyncit/internal/caspkg"
	"justsyncit/internal/corepkg"
	"justsyncit/internal/logging"
	"justsyncit/internal/metastore"
)

// Puller dials a peer and asks it to push one snapshot's files back,
// reversing the usual push direction (spec §6 pull(snapshot_id, peer)).
// It plays the receiver role over a connection it opened itself, reusing
// Receiver's TransferRequest/ChunkData/Manifest handling.
type Puller struct {
	Transport       Transport
	Chunks          *caspkg.Store
	Meta            *metastore.Store
	NodeID, Version string
	Logger          *slog.Logger
}

// Pull fetches snapshotID from the peer at addr, installing each received
// file as its own completed snapshot, same as a pushed file would be.
func (p *Puller) Pull(ctx context.Context, addr, snapshotID string) error {
	logger := logging.Default(p.Logger).With("component", "transfer-puller", "snapshot_id", snapshotID)

	nc, err := p.Transport.Dial(ctx, addr)
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "dial peer", err)
	}
	c := newConn(nc, logger)
	defer c.Close()

	if err := c.send(TypeHandshake, c.nextID(), Handshake{NodeID: p.NodeID, Version: p.Version}.Encode()); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "send handshake", err)
	}
	frame, err := c.recv()
	if err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "receive handshake response", err)
	}
	if frame.Header.Type != TypeHandshakeResponse {
		return corepkg.New(corepkg.KindProtocolViolation, fmt.Sprintf("expected HandshakeResponse, got %s", frame.Header.Type))
	}
	hresp, err := DecodeHandshakeResponse(frame.Payload)
	if err != nil {
		return corepkg.Wrap(corepkg.KindProtocolViolation, "decode handshake response", err)
	}
	if !hresp.Accepted {
		return corepkg.New(corepkg.KindPeerRejected, fmt.Sprintf("peer rejected handshake: %s", hresp.Reason))
	}
	c.setState(ConnEstablished)

	if err := c.send(TypePullRequest, c.nextID(), PullRequest{SnapshotID: snapshotID}.Encode()); err != nil {
		return corepkg.Wrap(corepkg.KindIoError, "send pull request", err)
	}

	recv := &Receiver{Chunks: p.Chunks, Meta: p.Meta, NodeID: p.NodeID, Version: p.Version, Logger: logger}
	recv.mu.Lock()
	recv.transfers = make(map[string]*transferState)
	recv.mu.Unlock()

	filesReceived := 0
	for {
		frame, err := c.recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("pull complete", "files", filesReceived)
				return nil
			}
			return corepkg.Wrap(corepkg.KindIoError, "receive frame", err)
		}

		switch frame.Header.Type {
		case TypeTransferRequest:
			if err := recv.handleTransferRequest(ctx, c, frame); err != nil {
				return err
			}
			filesReceived++
		case TypeError:
			em, _ := DecodeErrorMessage(frame.Payload)
			return corepkg.New(corepkg.KindPeerRejected, fmt.Sprintf("peer rejected pull: %s", em.Message))
		default:
			return corepkg.New(corepkg.KindProtocolViolation, fmt.Sprintf("unexpected message type %s during pull", frame.Header.Type))
		}
	}
}

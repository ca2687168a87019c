package transfer

import (
	"bytes"
	"testing"

	"justsyncit/internal/hashpkg"
)

func digestOf(b byte) hashpkg.Digest {
	var d hashpkg.Digest
	d[0] = b
	return d
}

func TestHandshakeRoundTrip(t *testing.T) {
	want := Handshake{NodeID: "node-a", Version: "1"}
	got, err := DecodeHandshake(want.Encode())
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	want := HandshakeResponse{NodeID: "node-b", Version: "1", Accepted: false, Reason: "version mismatch"}
	got, err := DecodeHandshakeResponse(want.Encode())
	if err != nil {
		t.Fatalf("DecodeHandshakeResponse: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTransferRequestRoundTrip(t *testing.T) {
	want := TransferRequest{TransferID: "t1", FileName: "a/b.txt", FileSize: 123456, ChunkSize: 1 << 20}
	got, err := DecodeTransferRequest(want.Encode())
	if err != nil {
		t.Fatalf("DecodeTransferRequest: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTransferResponseRoundTrip(t *testing.T) {
	want := TransferResponse{TransferID: "t1", Accepted: true, Reason: ""}
	got, err := DecodeTransferResponse(want.Encode())
	if err != nil {
		t.Fatalf("DecodeTransferResponse: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestChunkDataRoundTrip(t *testing.T) {
	want := ChunkData{TransferID: "t1", ChunkIndex: 7, Checksum: digestOf(0xAB), Data: []byte("payload bytes")}
	got, err := DecodeChunkData(want.Encode())
	if err != nil {
		t.Fatalf("DecodeChunkData: %v", err)
	}
	if got.TransferID != want.TransferID || got.ChunkIndex != want.ChunkIndex || got.Checksum != want.Checksum || !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestChunkAckRoundTrip(t *testing.T) {
	want := ChunkAck{TransferID: "t1", ChunkIndex: 7, Success: false, ErrorMessage: "checksum mismatch"}
	got, err := DecodeChunkAck(want.Encode())
	if err != nil {
		t.Fatalf("DecodeChunkAck: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTransferCompleteRoundTrip(t *testing.T) {
	want := TransferComplete{TransferID: "t1", Success: true}
	got, err := DecodeTransferComplete(want.Encode())
	if err != nil {
		t.Fatalf("DecodeTransferComplete: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestErrorMessageRoundTrip(t *testing.T) {
	want := ErrorMessage{Code: ErrorCodeProtocolViolation, Message: "bad frame"}
	got, err := DecodeErrorMessage(want.Encode())
	if err != nil {
		t.Fatalf("DecodeErrorMessage: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	want := Manifest{
		TransferID:    "t1",
		Path:          "dir/file.bin",
		Size:          4096,
		MtimeNs:       1700000000000000000,
		Mode:          "644",
		Kind:          "regular",
		SymlinkTarget: "",
		ContentDigest: digestOf(0x11),
		Chunks:        []hashpkg.Digest{digestOf(0x01), digestOf(0x02), digestOf(0x03)},
	}
	got, err := DecodeManifest(want.Encode())
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if got.TransferID != want.TransferID || got.Path != want.Path || got.Size != want.Size ||
		got.MtimeNs != want.MtimeNs || got.Mode != want.Mode || got.Kind != want.Kind ||
		got.ContentDigest != want.ContentDigest || len(got.Chunks) != len(want.Chunks) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want.Chunks {
		if got.Chunks[i] != want.Chunks[i] {
			t.Fatalf("chunk %d mismatch: got %v, want %v", i, got.Chunks[i], want.Chunks[i])
		}
	}
}

func TestManifestEmptyChunks(t *testing.T) {
	want := Manifest{TransferID: "t1", Path: "empty.txt", Kind: "regular"}
	got, err := DecodeManifest(want.Encode())
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if len(got.Chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got.Chunks))
	}
}

func TestPullRequestRoundTrip(t *testing.T) {
	want := PullRequest{SnapshotID: "snap-1"}
	got, err := DecodePullRequest(want.Encode())
	if err != nil {
		t.Fatalf("DecodePullRequest: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	want := PingPong{TimestampMs: 1700000000000}
	got, err := DecodePingPong(want.Encode())
	if err != nil {
		t.Fatalf("DecodePingPong: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	full := TransferRequest{TransferID: "t1", FileName: "f", FileSize: 1, ChunkSize: 1}.Encode()
	if _, err := DecodeTransferRequest(full[:len(full)-2]); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

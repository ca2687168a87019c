package transfer

import (
	"encoding/binary"
	"fmt"

	"justsyncit/internal/hashpkg"
)

// encodeString writes a 4-byte big-endian length prefix followed by s
// (spec §4.10: "length-prefixed strings use a 4-byte length").
func encodeString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, s...)
}

func decodeString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("decode string: %w", errShortBuffer)
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, fmt.Errorf("decode string: %w", errShortBuffer)
	}
	return string(buf[:n]), buf[n:], nil
}

func encodeBytes(buf []byte, b []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(b)))
	buf = append(buf, lenBuf...)
	return append(buf, b...)
}

func decodeBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("decode bytes: %w", errShortBuffer)
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("decode bytes: %w", errShortBuffer)
	}
	return buf[:n], buf[n:], nil
}

var errShortBuffer = fmt.Errorf("buffer too short")

// Handshake is message type 0x01.
type Handshake struct {
	NodeID  string
	Version string
}

func (m Handshake) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.NodeID)
	buf = encodeString(buf, m.Version)
	return buf
}

func DecodeHandshake(payload []byte) (Handshake, error) {
	nodeID, rest, err := decodeString(payload)
	if err != nil {
		return Handshake{}, err
	}
	version, _, err := decodeString(rest)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{NodeID: nodeID, Version: version}, nil
}

// HandshakeResponse is message type 0x02.
type HandshakeResponse struct {
	NodeID   string
	Version  string
	Accepted bool
	Reason   string
}

func (m HandshakeResponse) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.NodeID)
	buf = encodeString(buf, m.Version)
	buf = append(buf, boolByte(m.Accepted))
	buf = encodeString(buf, m.Reason)
	return buf
}

func DecodeHandshakeResponse(payload []byte) (HandshakeResponse, error) {
	nodeID, rest, err := decodeString(payload)
	if err != nil {
		return HandshakeResponse{}, err
	}
	version, rest, err := decodeString(rest)
	if err != nil {
		return HandshakeResponse{}, err
	}
	if len(rest) < 1 {
		return HandshakeResponse{}, errShortBuffer
	}
	accepted := rest[0] != 0
	reason, _, err := decodeString(rest[1:])
	if err != nil {
		return HandshakeResponse{}, err
	}
	return HandshakeResponse{NodeID: nodeID, Version: version, Accepted: accepted, Reason: reason}, nil
}

// TransferRequest is message type 0x10.
type TransferRequest struct {
	TransferID string
	FileName   string
	FileSize   uint64
	ChunkSize  uint32
}

func (m TransferRequest) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.TransferID)
	buf = encodeString(buf, m.FileName)
	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, m.FileSize)
	buf = append(buf, sizeBuf...)
	chunkSizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(chunkSizeBuf, m.ChunkSize)
	return append(buf, chunkSizeBuf...)
}

func DecodeTransferRequest(payload []byte) (TransferRequest, error) {
	transferID, rest, err := decodeString(payload)
	if err != nil {
		return TransferRequest{}, err
	}
	fileName, rest, err := decodeString(rest)
	if err != nil {
		return TransferRequest{}, err
	}
	if len(rest) < 12 {
		return TransferRequest{}, errShortBuffer
	}
	fileSize := binary.BigEndian.Uint64(rest[0:8])
	chunkSize := binary.BigEndian.Uint32(rest[8:12])
	return TransferRequest{TransferID: transferID, FileName: fileName, FileSize: fileSize, ChunkSize: chunkSize}, nil
}

// TransferResponse is message type 0x11.
type TransferResponse struct {
	TransferID string
	Accepted   bool
	Reason     string
}

func (m TransferResponse) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.TransferID)
	buf = append(buf, boolByte(m.Accepted))
	return encodeString(buf, m.Reason)
}

func DecodeTransferResponse(payload []byte) (TransferResponse, error) {
	transferID, rest, err := decodeString(payload)
	if err != nil {
		return TransferResponse{}, err
	}
	if len(rest) < 1 {
		return TransferResponse{}, errShortBuffer
	}
	accepted := rest[0] != 0
	reason, _, err := decodeString(rest[1:])
	if err != nil {
		return TransferResponse{}, err
	}
	return TransferResponse{TransferID: transferID, Accepted: accepted, Reason: reason}, nil
}

// ChunkData is message type 0x12.
type ChunkData struct {
	TransferID string
	ChunkIndex uint32
	Checksum   hashpkg.Digest
	Data       []byte
}

func (m ChunkData) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.TransferID)
	idxBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBuf, m.ChunkIndex)
	buf = append(buf, idxBuf...)
	buf = append(buf, m.Checksum[:]...)
	return encodeBytes(buf, m.Data)
}

func DecodeChunkData(payload []byte) (ChunkData, error) {
	transferID, rest, err := decodeString(payload)
	if err != nil {
		return ChunkData{}, err
	}
	if len(rest) < 4+hashpkg.Size {
		return ChunkData{}, errShortBuffer
	}
	chunkIndex := binary.BigEndian.Uint32(rest[0:4])
	var checksum hashpkg.Digest
	copy(checksum[:], rest[4:4+hashpkg.Size])
	rest = rest[4+hashpkg.Size:]
	data, _, err := decodeBytes(rest)
	if err != nil {
		return ChunkData{}, err
	}
	return ChunkData{TransferID: transferID, ChunkIndex: chunkIndex, Checksum: checksum, Data: data}, nil
}

// ChunkAck is message type 0x13.
type ChunkAck struct {
	TransferID   string
	ChunkIndex   uint32
	Success      bool
	ErrorMessage string
}

func (m ChunkAck) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.TransferID)
	idxBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBuf, m.ChunkIndex)
	buf = append(buf, idxBuf...)
	buf = append(buf, boolByte(m.Success))
	return encodeString(buf, m.ErrorMessage)
}

func DecodeChunkAck(payload []byte) (ChunkAck, error) {
	transferID, rest, err := decodeString(payload)
	if err != nil {
		return ChunkAck{}, err
	}
	if len(rest) < 5 {
		return ChunkAck{}, errShortBuffer
	}
	chunkIndex := binary.BigEndian.Uint32(rest[0:4])
	success := rest[4] != 0
	errMsg, _, err := decodeString(rest[5:])
	if err != nil {
		return ChunkAck{}, err
	}
	return ChunkAck{TransferID: transferID, ChunkIndex: chunkIndex, Success: success, ErrorMessage: errMsg}, nil
}

// TransferComplete is message type 0x14.
type TransferComplete struct {
	TransferID   string
	Success      bool
	ErrorMessage string
}

func (m TransferComplete) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.TransferID)
	buf = append(buf, boolByte(m.Success))
	return encodeString(buf, m.ErrorMessage)
}

func DecodeTransferComplete(payload []byte) (TransferComplete, error) {
	transferID, rest, err := decodeString(payload)
	if err != nil {
		return TransferComplete{}, err
	}
	if len(rest) < 1 {
		return TransferComplete{}, errShortBuffer
	}
	success := rest[0] != 0
	errMsg, _, err := decodeString(rest[1:])
	if err != nil {
		return TransferComplete{}, err
	}
	return TransferComplete{TransferID: transferID, Success: success, ErrorMessage: errMsg}, nil
}

// ErrorMessage is message type 0x15.
type ErrorMessage struct {
	Code    uint32
	Message string
}

func (m ErrorMessage) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, m.Code)
	return encodeString(buf, m.Message)
}

func DecodeErrorMessage(payload []byte) (ErrorMessage, error) {
	if len(payload) < 4 {
		return ErrorMessage{}, errShortBuffer
	}
	code := binary.BigEndian.Uint32(payload[0:4])
	msg, _, err := decodeString(payload[4:])
	if err != nil {
		return ErrorMessage{}, err
	}
	return ErrorMessage{Code: code, Message: msg}, nil
}

// Manifest is message type 0x16 (spec §4.10 Open Question: a distinct
// message type, preferred over an encode-as-ChunkData workaround). It
// carries one file's record plus its ordered chunk digests; a transfer
// ships one Manifest message per file, immediately before
// TransferComplete, so installation happens atomically after every chunk
// of that file has been acked.
type Manifest struct {
	TransferID    string
	Path          string
	Size          int64
	MtimeNs       int64
	Mode          string
	Kind          string
	SymlinkTarget string
	ContentDigest hashpkg.Digest
	Chunks        []hashpkg.Digest
}

func (m Manifest) Encode() []byte {
	var buf []byte
	buf = encodeString(buf, m.TransferID)
	buf = encodeString(buf, m.Path)
	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, uint64(m.Size))
	buf = append(buf, sizeBuf...)
	mtimeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(mtimeBuf, uint64(m.MtimeNs))
	buf = append(buf, mtimeBuf...)
	buf = encodeString(buf, m.Mode)
	buf = encodeString(buf, m.Kind)
	buf = encodeString(buf, m.SymlinkTarget)
	buf = append(buf, m.ContentDigest[:]...)
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(m.Chunks)))
	buf = append(buf, countBuf...)
	for _, d := range m.Chunks {
		buf = append(buf, d[:]...)
	}
	return buf
}

func DecodeManifest(payload []byte) (Manifest, error) {
	transferID, rest, err := decodeString(payload)
	if err != nil {
		return Manifest{}, err
	}
	path, rest, err := decodeString(rest)
	if err != nil {
		return Manifest{}, err
	}
	if len(rest) < 16 {
		return Manifest{}, errShortBuffer
	}
	size := int64(binary.BigEndian.Uint64(rest[0:8]))
	mtimeNs := int64(binary.BigEndian.Uint64(rest[8:16]))
	rest = rest[16:]

	mode, rest, err := decodeString(rest)
	if err != nil {
		return Manifest{}, err
	}
	kind, rest, err := decodeString(rest)
	if err != nil {
		return Manifest{}, err
	}
	symlinkTarget, rest, err := decodeString(rest)
	if err != nil {
		return Manifest{}, err
	}
	if len(rest) < hashpkg.Size+4 {
		return Manifest{}, errShortBuffer
	}
	var contentDigest hashpkg.Digest
	copy(contentDigest[:], rest[:hashpkg.Size])
	rest = rest[hashpkg.Size:]
	count := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]

	if uint32(len(rest)) < count*hashpkg.Size {
		return Manifest{}, errShortBuffer
	}
	chunks := make([]hashpkg.Digest, count)
	for i := range chunks {
		copy(chunks[i][:], rest[:hashpkg.Size])
		rest = rest[hashpkg.Size:]
	}

	return Manifest{
		TransferID:    transferID,
		Path:          path,
		Size:          size,
		MtimeNs:       mtimeNs,
		Mode:          mode,
		Kind:          kind,
		SymlinkTarget: symlinkTarget,
		ContentDigest: contentDigest,
		Chunks:        chunks,
	}, nil
}

// PullRequest is message type 0x17: sent by a node that dialed a peer to
// ask it to push one snapshot's files back over the same connection,
// reversing the usual sender-dials-in direction (spec §6 pull(snapshot_id,
// peer)).
type PullRequest struct {
	SnapshotID string
}

func (m PullRequest) Encode() []byte {
	return encodeString(nil, m.SnapshotID)
}

func DecodePullRequest(payload []byte) (PullRequest, error) {
	snapshotID, _, err := decodeString(payload)
	if err != nil {
		return PullRequest{}, err
	}
	return PullRequest{SnapshotID: snapshotID}, nil
}

// PingPong is the shared payload shape for message types 0x20/0x21.
type PingPong struct {
	TimestampMs uint64
}

func (m PingPong) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, m.TimestampMs)
	return buf
}

func DecodePingPong(payload []byte) (PingPong, error) {
	if len(payload) < 8 {
		return PingPong{}, errShortBuffer
	}
	return PingPong{TimestampMs: binary.BigEndian.Uint64(payload[0:8])}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

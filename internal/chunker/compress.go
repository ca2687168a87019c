package chunker

import (
	"github.com/klauspost/compress/zstd"

	"justsyncit/internal/corepkg"
)

// ZstdStage is the optional compress stage of spec §4.3, applied before
// encryption. Per-chunk zstd is simpler than the teacher's seekable framing
// since a chunk is already the store's unit of random access.
type ZstdStage struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdStage builds a compress stage with a shared encoder/decoder pair.
func NewZstdStage() (*ZstdStage, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindInvalidArgument, "build zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindInvalidArgument, "build zstd decoder", err)
	}
	return &ZstdStage{enc: enc, dec: dec}, nil
}

func (z *ZstdStage) Name() string { return "zstd" }

func (z *ZstdStage) Forward(plaintext []byte) ([]byte, error) {
	return z.enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext))), nil
}

func (z *ZstdStage) Reverse(stored []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(stored, nil)
	if err != nil {
		return nil, corepkg.Wrap(corepkg.KindCorruption, "zstd decode", err)
	}
	return out, nil
}

// Package chunker splits a byte stream into content-addressed chunks
// (spec §4.3). The reference policy is fixed-size chunking: every chunk is
// exactly Size bytes except possibly the last, which holds the remainder.
package chunker

import (
	"io"

	"justsyncit/internal/bufpool"
	"justsyncit/internal/hashpkg"
)

// Chunk is one emitted unit: its position in the file, its plaintext bytes,
// and the digest of those bytes.
type Chunk struct {
	Index  int
	Bytes  []byte
	Digest hashpkg.Digest
	Size   int64
}

// Policy names the chunking strategy recorded per snapshot (spec §4.3).
// Only Fixed is implemented; the type exists so a future content-defined
// policy can be recorded without changing the file-record schema.
type Policy string

const (
	PolicyFixed Policy = "fixed"
)

// Chunker turns a reader into an ordered sequence of chunks of at most
// chunkSize bytes each, using buffers checked out of pool.
type Chunker struct {
	r         io.Reader
	chunkSize int
	pool      *bufpool.Pool
	index     int
	content   *hashpkg.Hasher
	done      bool
}

// New returns a Chunker reading from r, cutting chunks of chunkSize bytes.
// pool may be nil, in which case each chunk allocates its own buffer.
func New(r io.Reader, chunkSize int, pool *bufpool.Pool) *Chunker {
	return &Chunker{r: r, chunkSize: chunkSize, pool: pool, content: hashpkg.NewHasher()}
}

// Next reads and returns the next chunk, or io.EOF when the stream is
// exhausted. Every returned Chunk.Bytes is a freshly allocated copy safe to
// retain past the next call to Next.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}

	var buf *bufpool.Buffer
	var scratch []byte
	if c.pool != nil {
		buf = c.pool.Acquire()
		defer buf.Release()
		scratch = buf.Bytes[:c.chunkSize]
	} else {
		scratch = make([]byte, c.chunkSize)
	}

	n, err := io.ReadFull(c.r, scratch)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Chunk{}, err
	}
	if n == 0 {
		c.done = true
		return Chunk{}, io.EOF
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		c.done = true
	}

	out := make([]byte, n)
	copy(out, scratch[:n])
	c.content.Update(out)

	ch := Chunk{
		Index:  c.index,
		Bytes:  out,
		Digest: hashpkg.Sum(out),
		Size:   int64(n),
	}
	c.index++
	return ch, nil
}

// ContentDigest returns the digest of everything read so far, i.e. the
// digest of the full reconstructed byte stream (spec §3 File record
// content_digest, assuming no compress/encrypt stage is active — spec §4.3
// Open Question reference stance).
func (c *Chunker) ContentDigest() hashpkg.Digest {
	return c.content.Finalize()
}

// All drains the chunker, returning every chunk plus the overall content
// digest. Convenient for small files and tests; ingestion workers should
// prefer Next() to keep memory bounded.
func All(r io.Reader, chunkSize int, pool *bufpool.Pool) ([]Chunk, hashpkg.Digest, error) {
	c := New(r, chunkSize, pool)
	var chunks []Chunk
	for {
		ch, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, hashpkg.Digest{}, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, c.ContentDigest(), nil
}

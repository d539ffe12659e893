// Package chunker implements the content-defined chunking engine: given
// a byte source, it produces a deterministic sequence of variable-length
// chunks whose concatenation reproduces the source exactly.
//
// The rolling-hash boundary predicate itself is delegated to
// github.com/restic/chunker, the same FastCDC-family implementation the
// rest of this codebase's lineage already depends on. What this package
// adds on top is the one property that actually matters for
// deduplication across revisions: a *fixed* polynomial, never generated
// per-process, so that two independently invoked driver processes split
// identical byte ranges into identical chunks.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"
)

// fixedPolynomial is a constant irreducible polynomial used for the
// rolling hash across every process invocation. A process-random
// polynomial (as e.g. resticchunker.RandomPolynomial() produces) would
// make chunk boundaries depend on which process happened to handle a
// given file, silently defeating cross-revision dedup the moment two
// `git add` runs land in different worker processes -- the common case.
// The exact value is arbitrary but must never change once chunks have
// been written to a shared side branch, since changing it re-splits
// every future file differently from what is already stored.
const fixedPolynomial resticchunker.Pol = 0x3DA3358B4DC173

// averageBits converts a target average chunk size into the mask width
// resticchunker.Chunker.SetAverageBits expects: a boundary fires when
// the low bits of the rolling hash are all zero, which happens
// roughly every 2^bits bytes. restic/chunker's own default (20 bits,
// ~1MiB) is calibrated for its backup workload, not this system's
// configurable fastcdc.avg, so it must be recomputed per Params rather
// than left at the library default.
func averageBits(avg int) int {
	bits := 0
	for v := avg; v > 1; v >>= 1 {
		bits++
	}
	if bits < 1 {
		bits = 1
	}
	return bits
}

// Params bundles the chunker's tunable boundaries. MIN <= AVG <= MAX
// must hold. AVG sets the rolling-hash mask width via averageBits, so a
// boundary is expected roughly every AVG bytes rather than at whatever
// average restic/chunker's default 20-bit mask happens to produce.
type Params struct {
	Min int
	Avg int
	Max int
}

// DefaultParams returns the recommended boundaries: 4 KiB min, 64 KiB
// average, 256 KiB max.
func DefaultParams() Params {
	return Params{
		Min: 4 * 1024,
		Avg: 64 * 1024,
		Max: 256 * 1024,
	}
}

// Validate checks that Min <= Avg <= Max and all are positive.
func (p Params) Validate() error {
	if p.Min <= 0 || p.Avg <= 0 || p.Max <= 0 {
		return fmt.Errorf("chunker: parameters must be positive (min=%d avg=%d max=%d)", p.Min, p.Avg, p.Max)
	}
	if !(p.Min <= p.Avg && p.Avg <= p.Max) {
		return fmt.Errorf("chunker: parameters must satisfy min <= avg <= max (min=%d avg=%d max=%d)", p.Min, p.Avg, p.Max)
	}
	return nil
}

// Chunk is one emitted chunk: its bytes, its offset in the source, and
// its index in emission order.
type Chunk struct {
	Data   []byte
	Offset int64
	Index  int
}

// Source streams chunks from an io.Reader. Because restic/chunker reads
// incrementally and never buffers more than one chunk's worth of bytes
// ahead, a Source over a bytes.Reader (in-memory mode) and a Source over
// a buffered file handle (on-disk mode) are the same code path and
// produce byte-identical output for identical bytes -- satisfying the
// "both modes produce the identical chunk sequence" contract without
// any special-casing here.
type Source struct {
	c    *resticchunker.Chunker
	buf  []byte
	next int64
	idx  int
}

// NewSource creates a chunking source over r using the given Params.
// Params must already be validated by the caller.
func NewSource(r io.Reader, p Params) *Source {
	c := resticchunker.NewWithBoundaries(r, fixedPolynomial, uint(p.Min), uint(p.Max))
	c.SetAverageBits(averageBits(p.Avg))
	return &Source{
		c:   c,
		buf: make([]byte, p.Max),
	}
}

// Next returns the next chunk, or io.EOF once the source is exhausted.
func (s *Source) Next() (Chunk, error) {
	c, err := s.c.Next(s.buf)
	if err != nil {
		return Chunk{}, err
	}

	data := make([]byte, c.Length)
	copy(data, c.Data)

	chunk := Chunk{
		Data:   data,
		Offset: s.next,
		Index:  s.idx,
	}
	s.next += int64(c.Length)
	s.idx++
	return chunk, nil
}

// All drains the source into a slice. Convenience for in-memory mode and
// for tests; streaming callers should prefer Next.
func All(s *Source) ([]Chunk, error) {
	var chunks []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("chunking failed at offset %d: %w", s.next, err)
		}
		chunks = append(chunks, c)
	}
}

// ChunkBytes is the in-memory convenience entry point: chunk a fully
// materialized blob. An empty blob yields zero chunks, matching the
// empty-file manifest contract (§6/§8.7).
func ChunkBytes(data []byte, p Params) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return All(NewSource(bytes.NewReader(data), p))
}

// ChunkReader chunks directly from r without first materializing the
// input; the returned slice still holds every chunk, and so the whole
// input. Callers that must not hold the whole blob use NewSource and Next.
func ChunkReader(r io.Reader, p Params) ([]Chunk, error) {
	return All(NewSource(r, p))
}

// Package chunkstore synchronizes chunks onto the dedicated side branch
// refs/heads/git-fastcdc: persisting new chunks from clean operations in
// a single batched commit per session, and retrieving chunks by digest
// for smudge. It is the only package that touches the side branch's ref
// and tree structure; internal/gitgateway supplies the plumbing calls it
// composes.
package chunkstore

import (
	"context"
	"fmt"
	"time"

	"github.com/git-fastcdc/git-fastcdc/internal/fcdcerrors"
	"github.com/git-fastcdc/git-fastcdc/internal/gitgateway"
	"github.com/git-fastcdc/git-fastcdc/internal/metrics"
	"github.com/git-fastcdc/git-fastcdc/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// SideBranchRef is the fixed ref every session reads from and commits to.
const SideBranchRef = "refs/heads/git-fastcdc"

const blobMode = "100644"

// Store tracks the side branch's known contents across one driver
// session and batches new chunk writes into a single trailing commit.
type Store struct {
	gw      *gitgateway.Gateway
	limiter *ratelimit.SubprocessLimiter
	logger  *zap.Logger
	metrics *metrics.Collector

	// known records every digest this store has confirmed exists,
	// either persisted this session or found on the current tip.
	known map[string]bool

	// localDigest pre-dedupes byte-identical chunks within this one
	// session before ever spawning hash-object: content-defined
	// chunking routinely repeats whole chunks within a single blob
	// (long zero-filled runs, repeated sample data), and blake2b is
	// fast enough to make checking first strictly cheaper than a
	// subprocess spawn whose answer is already known.
	localDigest map[[32]byte]string

	// tipEntries caches each two-hex-char prefix directory's entries as
	// last read from the committed tip. Cleared and re-read on CAS
	// retry, since the true tip may have moved.
	tipEntries map[string][]gitgateway.TreeEntry

	// pending holds entries for chunks persisted this session that are
	// not yet part of any commit. Survives a CAS retry untouched -- it
	// is exactly what the retry must still get committed.
	pending map[string][]gitgateway.TreeEntry

	tipLoaded bool
	tipSHA    string // "" if the side branch has no commits yet

	added int
}

// New creates a Store bound to gw. limiter paces hash-object subprocess
// spawns during persist; pass ratelimit.NewUnlimited() for tests. mcol
// may be nil, in which case CAS retries simply go unrecorded.
func New(gw *gitgateway.Gateway, limiter *ratelimit.SubprocessLimiter, logger *zap.Logger, mcol *metrics.Collector) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		gw:          gw,
		limiter:     limiter,
		logger:      logger,
		metrics:     mcol,
		known:       make(map[string]bool),
		localDigest: make(map[[32]byte]string),
		tipEntries:  make(map[string][]gitgateway.TreeEntry),
		pending:     make(map[string][]gitgateway.TreeEntry),
	}
}

func prefixOf(digest string) (string, error) {
	if len(digest) < 2 {
		return "", fcdcerrors.NewStorageError("chunkstore", fmt.Sprintf("digest too short: %q", digest))
	}
	return digest[:2], nil
}

func (s *Store) loadTip(ctx context.Context) error {
	if s.tipLoaded {
		return nil
	}
	sha, ok, err := s.gw.RevParse(ctx, SideBranchRef)
	if err != nil {
		return err
	}
	if ok {
		s.tipSHA = sha
	}
	s.tipLoaded = true
	return nil
}

// tipPrefixEntries returns a prefix directory's entries as they exist on
// the committed tip, listing it on first access and caching the result.
func (s *Store) tipPrefixEntries(ctx context.Context, prefix string) ([]gitgateway.TreeEntry, error) {
	if entries, ok := s.tipEntries[prefix]; ok {
		return entries, nil
	}
	if err := s.loadTip(ctx); err != nil {
		return nil, err
	}
	if s.tipSHA == "" {
		s.tipEntries[prefix] = nil
		return nil, nil
	}
	entries, err := s.gw.LsTree(ctx, fmt.Sprintf("%s:%s", s.tipSHA, prefix))
	if err != nil {
		return nil, err
	}
	s.tipEntries[prefix] = entries
	return entries, nil
}

// Has reports whether digest is already known to this store, either
// because it was persisted earlier this session or because it was found
// on the current side-branch tip.
func (s *Store) Has(ctx context.Context, digest string) (bool, error) {
	if s.known[digest] {
		return true, nil
	}
	prefix, err := prefixOf(digest)
	if err != nil {
		return false, err
	}
	entries, err := s.tipPrefixEntries(ctx, prefix)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == digest {
			s.known[digest] = true
			return true, nil
		}
	}
	return false, nil
}

// Persist writes data as a blob via hash-object (skipped only when
// byte-identical data was already hashed this session) and, if the
// resulting digest is not already known, records it for inclusion in the
// trailing commit. Returns the digest.
// Collisions with an already-known digest are treated as identical
// content and never compared byte-for-byte, trusting the host VCS's
// digest to be collision-resistant.
func (s *Store) Persist(ctx context.Context, data []byte) (string, error) {
	localSum := blake2b.Sum256(data)
	if digest, ok := s.localDigest[localSum]; ok {
		return digest, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fcdcerrors.NewIOError("chunkstore persist rate limit", err)
		}
	}
	digest, err := s.gw.HashObjectWrite(ctx, data)
	if err != nil {
		return "", err
	}
	s.localDigest[localSum] = digest

	known, err := s.Has(ctx, digest)
	if err != nil {
		return "", err
	}
	if known {
		return digest, nil
	}

	prefix, err := prefixOf(digest)
	if err != nil {
		return "", err
	}
	s.pending[prefix] = append(s.pending[prefix], gitgateway.TreeEntry{
		Mode: blobMode,
		Type: "blob",
		SHA:  digest,
		Name: digest,
	})
	s.known[digest] = true
	s.added++
	return digest, nil
}

// Retrieve reads one chunk's bytes by digest via the gateway's long-lived
// cat-file batch reader. Chunks persisted this session but not yet
// committed are read by object id; all others are read from the side
// branch. Returns fcdcerrors.MissingChunk if no such object is found
// (propagated as-is from the batch reader, which distinguishes a
// "missing" response from a plumbing failure).
func (s *Store) Retrieve(ctx context.Context, digest string) ([]byte, error) {
	prefix, err := prefixOf(digest)
	if err != nil {
		return nil, err
	}
	treeish := fmt.Sprintf("%s:%s/%s", SideBranchRef, prefix, digest)
	for _, e := range s.pending[prefix] {
		if e.Name == digest {
			treeish = digest
			break
		}
	}
	return s.gw.CatFileBatch(ctx, treeish)
}

// Dirty reports whether any chunk was newly added this session and a
// trailing commit is owed.
func (s *Store) Dirty() bool {
	return s.added > 0
}

// Added reports how many new chunks were persisted this session.
func (s *Store) Added() int {
	return s.added
}

// Flush synthesizes the modified prefix subtrees and a new root tree,
// commits once with the prior tip (if any) as parent, and CAS-updates
// the side branch ref. A no-op if no chunks were added this session. On
// CAS failure it re-enumerates the tip and retries the whole
// mktree/commit sequence exactly once, carrying the same pending chunks
// forward; a second failure is fatal (fcdcerrors.RefContention).
func (s *Store) Flush(ctx context.Context, when time.Time) error {
	if !s.Dirty() {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		oldTip := s.tipSHA

		newTip, err := s.buildAndCommit(ctx, when)
		if err != nil {
			return err
		}

		if err := s.gw.UpdateRefCAS(ctx, SideBranchRef, newTip, oldTip); err == nil {
			s.tipSHA = newTip
			s.pending = make(map[string][]gitgateway.TreeEntry)
			s.added = 0
			return nil
		}

		// Lost the race: someone else advanced the ref in between. Drop
		// the stale tip cache and retry once against the true tip, with
		// the same pending chunks still queued.
		if s.metrics != nil {
			s.metrics.IncCASRetries()
		}
		s.tipLoaded = false
		s.tipEntries = make(map[string][]gitgateway.TreeEntry)
		if err := s.loadTip(ctx); err != nil {
			return err
		}
	}
	return fcdcerrors.NewRefContention(SideBranchRef)
}

// buildAndCommit enumerates the root tree from the committed tip plus
// this session's pending chunks, synthesizing subtrees via mktree, and
// creates (but does not point the ref at) a new commit.
func (s *Store) buildAndCommit(ctx context.Context, when time.Time) (string, error) {
	root := make(map[string]gitgateway.TreeEntry)

	if s.tipSHA != "" {
		rootEntries, err := s.gw.LsTree(ctx, s.tipSHA)
		if err != nil {
			return "", err
		}
		for _, e := range rootEntries {
			root[e.Name] = e
		}
	}

	for prefix, newEntries := range s.pending {
		existing, err := s.tipPrefixEntries(ctx, prefix)
		if err != nil {
			return "", err
		}
		entries := append(append([]gitgateway.TreeEntry{}, existing...), newEntries...)
		treeSHA, err := s.gw.MkTree(ctx, entries)
		if err != nil {
			return "", err
		}
		root[prefix] = gitgateway.TreeEntry{Mode: "040000", Type: "tree", SHA: treeSHA, Name: prefix}
	}

	rootEntries := make([]gitgateway.TreeEntry, 0, len(root))
	for _, e := range root {
		rootEntries = append(rootEntries, e)
	}
	rootSHA, err := s.gw.MkTree(ctx, rootEntries)
	if err != nil {
		return "", err
	}

	message := fmt.Sprintf("fastcdc: add %d chunks", s.added)
	return s.gw.CommitTree(ctx, rootSHA, s.tipSHA, message, when)
}

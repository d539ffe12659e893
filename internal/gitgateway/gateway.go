// Package gitgateway is the thin subprocess wrapper over the host VCS's
// plumbing commands: hash-object, cat-file, update-ref, mktree,
// commit-tree, rev-parse, and config. Every call here is a single
// suspension point (subprocess I/O) in the driver's otherwise
// sequential, single-threaded request loop (see internal/filter).
package gitgateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/git-fastcdc/git-fastcdc/internal/fcdcerrors"
	"go.uber.org/zap"
)

// Gateway runs git plumbing subprocesses against one working directory
// (normally the repository the filter driver was invoked inside).
type Gateway struct {
	dir    string
	logger *zap.Logger

	batch *catFileBatch
}

// New creates a Gateway rooted at dir (pass "" to inherit the process's
// current working directory, the normal case when git invokes the
// filter driver with cwd already set to the repository).
func New(dir string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{dir: dir, logger: logger}
}

// run executes `git <args...>`, feeding stdin if non-nil, and returns
// stdout. All streams are treated as binary -- no text-mode translation.
func (g *Gateway) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if g.dir != "" {
		cmd.Dir = g.dir
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fcdcerrors.NewStorageError(strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// HashObjectWrite writes data as a loose object (hash-object -w --stdin)
// and returns its digest. Idempotent: calling it twice with the same
// bytes writes the object once and returns the same digest both times.
func (g *Gateway) HashObjectWrite(ctx context.Context, data []byte) (string, error) {
	out, err := g.run(ctx, data, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CatFileBlob reads one blob's content in a single one-shot invocation.
// Smudge hot paths should prefer the long-lived batch reader
// (OpenCatFileBatch) instead.
func (g *Gateway) CatFileBlob(ctx context.Context, treeish string) ([]byte, error) {
	out, err := g.run(ctx, nil, "cat-file", "blob", treeish)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TreeEntry is one row of a git tree object.
type TreeEntry struct {
	Mode string // e.g. "100644"
	Type string // "blob" or "tree"
	SHA  string
	Name string
}

// LsTree lists the direct entries of a tree-ish. Returns an empty slice,
// not an error, when treeish does not yet exist (a brand-new side
// branch with no prior commit).
func (g *Gateway) LsTree(ctx context.Context, treeish string) ([]TreeEntry, error) {
	if ok, err := g.refExists(ctx, treeish); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	out, err := g.run(ctx, nil, "ls-tree", treeish)
	if err != nil {
		return nil, err
	}
	return parseLsTree(out)
}

func parseLsTree(out []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		// "<mode> <type> <sha>\t<name>"
		tabIdx := strings.IndexByte(line, '\t')
		if tabIdx < 0 {
			return nil, fcdcerrors.NewStorageError("ls-tree", fmt.Sprintf("unparsable entry %q", line))
		}
		fields := strings.Fields(line[:tabIdx])
		if len(fields) != 3 {
			return nil, fcdcerrors.NewStorageError("ls-tree", fmt.Sprintf("unparsable entry %q", line))
		}
		entries = append(entries, TreeEntry{
			Mode: fields[0],
			Type: fields[1],
			SHA:  fields[2],
			Name: line[tabIdx+1:],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fcdcerrors.NewIOError("ls-tree scan", err)
	}
	return entries, nil
}

// MkTree synthesizes a tree object from entries via `git mktree`.
func (g *Gateway) MkTree(ctx context.Context, entries []TreeEntry) (string, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %s %s\t%s\n", e.Mode, e.Type, e.SHA, e.Name)
	}
	out, err := g.run(ctx, buf.Bytes(), "mktree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// AuthorIdentity is the fixed author/committer identity used for every
// side-branch commit.
type AuthorIdentity struct {
	Name  string
	Email string
}

// DefaultAuthor is the fixed identity used for every side-branch
// commit, independent of the invoking user's own git identity.
var DefaultAuthor = AuthorIdentity{Name: "git-fastcdc", Email: "git-fastcdc@localhost"}

// CommitTree creates a commit via `git commit-tree`. parent == "" means
// a root commit (no -p argument).
func (g *Gateway) CommitTree(ctx context.Context, tree, parent, message string, when time.Time) (string, error) {
	args := []string{"commit-tree", tree}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	if g.dir != "" {
		cmd.Dir = g.dir
	}
	cmd.Stdin = strings.NewReader(message)
	date := when.UTC().Format("2006-01-02T15:04:05Z07:00")
	cmd.Env = append(cmd.Env,
		"GIT_AUTHOR_NAME="+DefaultAuthor.Name,
		"GIT_AUTHOR_EMAIL="+DefaultAuthor.Email,
		"GIT_AUTHOR_DATE="+date,
		"GIT_COMMITTER_NAME="+DefaultAuthor.Name,
		"GIT_COMMITTER_EMAIL="+DefaultAuthor.Email,
		"GIT_COMMITTER_DATE="+date,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fcdcerrors.NewStorageError("commit-tree", strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// zeroOID returns the all-zero object id matching digestLen (40 for
// SHA-1, 64 for SHA-256), used as the "must not exist" old-value in a
// compare-and-swap against a ref with no prior tip.
func zeroOID(digestLen int) string {
	return strings.Repeat("0", digestLen)
}

// UpdateRefCAS atomically updates ref to newValue, succeeding only if
// ref's current value equals oldValue (oldValue == "" means ref must
// not currently exist).
func (g *Gateway) UpdateRefCAS(ctx context.Context, ref, newValue, oldValue string) error {
	old := oldValue
	if old == "" {
		old = zeroOID(len(newValue))
	}
	_, err := g.run(ctx, nil, "update-ref", ref, newValue, old)
	return err
}

// RevParse resolves a ref to its object id. ok is false (with a nil
// error) when the ref does not exist.
func (g *Gateway) RevParse(ctx context.Context, ref string) (sha string, ok bool, err error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref)
	if g.dir != "" {
		cmd.Dir = g.dir
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if runErr := cmd.Run(); runErr != nil {
		return "", false, nil
	}
	return strings.TrimSpace(stdout.String()), true, nil
}

func (g *Gateway) refExists(ctx context.Context, ref string) (bool, error) {
	_, ok, err := g.RevParse(ctx, ref)
	return ok, err
}

// ConfigGet reads one key via `git config --get`. ok is false (with a
// nil error) when the key is unset.
func (g *Gateway) ConfigGet(ctx context.Context, key string) (value string, ok bool, err error) {
	cmd := exec.CommandContext(ctx, "git", "config", "--get", key)
	if g.dir != "" {
		cmd.Dir = g.dir
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if runErr := cmd.Run(); runErr != nil {
		return "", false, nil
	}
	return strings.TrimSpace(stdout.String()), true, nil
}

// ConfigGetBool reads a boolean key, defaulting to def when unset.
func (g *Gateway) ConfigGetBool(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := g.ConfigGet(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	b, parseErr := strconv.ParseBool(v)
	if parseErr != nil {
		return false, fcdcerrors.NewStorageError("config", fmt.Sprintf("invalid boolean for %s: %q", key, v))
	}
	return b, nil
}

// ConfigGetInt reads an integer key, defaulting to def when unset.
func (g *Gateway) ConfigGetInt(ctx context.Context, key string, def int) (int, error) {
	v, ok, err := g.ConfigGet(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	n, parseErr := strconv.Atoi(v)
	if parseErr != nil {
		return 0, fcdcerrors.NewStorageError("config", fmt.Sprintf("invalid integer for %s: %q", key, v))
	}
	return n, nil
}

// TempDir returns the repository's $GIT_DIR as printed by
// `git rev-parse --git-dir` (possibly relative, e.g. ".git"), used as the
// directory for temp files so they live on the same filesystem as the
// repository's objects. It does not create any directory.
func (g *Gateway) TempDir(ctx context.Context) (string, error) {
	out, err := g.run(ctx, nil, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	gitDir := strings.TrimSpace(string(out))
	return gitDir, nil
}

// Close releases the long-lived cat-file batch subprocess, if one was
// opened.
func (g *Gateway) Close() error {
	if g.batch != nil {
		return g.batch.close()
	}
	return nil
}

// catFileBatch wraps a long-lived `git cat-file --batch` subprocess,
// preferred over one-shot CatFileBlob calls on the smudge hot path
// since it amortizes process spawn cost across every chunk digest in a
// manifest.
type catFileBatch struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func newCatFileBatch(ctx context.Context, dir string) (*catFileBatch, error) {
	cmd := exec.CommandContext(ctx, "git", "cat-file", "--batch")
	if dir != "" {
		cmd.Dir = dir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fcdcerrors.NewIOError("cat-file --batch stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fcdcerrors.NewIOError("cat-file --batch stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fcdcerrors.NewStorageError("cat-file --batch", err.Error())
	}
	return &catFileBatch{cmd: cmd, stdin: stdin, stdout: bufio.NewReaderSize(stdout, 64*1024)}, nil
}

func (b *catFileBatch) request(digest string) ([]byte, error) {
	if _, err := io.WriteString(b.stdin, digest+"\n"); err != nil {
		return nil, fcdcerrors.NewIOError("cat-file --batch write", err)
	}

	header, err := b.stdout.ReadString('\n')
	if err != nil {
		return nil, fcdcerrors.NewIOError("cat-file --batch read header", err)
	}
	header = strings.TrimSuffix(header, "\n")

	fields := strings.Fields(header)
	if len(fields) >= 2 && fields[1] == "missing" {
		return nil, fcdcerrors.NewMissingChunk(digest)
	}
	if len(fields) != 3 {
		return nil, fcdcerrors.NewStorageError("cat-file --batch", fmt.Sprintf("unparsable header %q", header))
	}
	size, convErr := strconv.Atoi(fields[2])
	if convErr != nil {
		return nil, fcdcerrors.NewStorageError("cat-file --batch", fmt.Sprintf("bad size in header %q", header))
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(b.stdout, data); err != nil {
		return nil, fcdcerrors.NewIOError("cat-file --batch read payload", err)
	}
	// trailing newline after payload
	if _, err := b.stdout.ReadByte(); err != nil {
		return nil, fcdcerrors.NewIOError("cat-file --batch read trailer", err)
	}
	return data, nil
}

func (b *catFileBatch) close() error {
	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.cmd != nil {
		_ = b.cmd.Wait()
	}
	return nil
}

// OpenCatFileBatch lazily starts the long-lived cat-file --batch
// subprocess the first time it's needed, reusing it for every
// subsequent retrieval in the session.
func (g *Gateway) OpenCatFileBatch(ctx context.Context) error {
	if g.batch != nil {
		return nil
	}
	b, err := newCatFileBatch(ctx, g.dir)
	if err != nil {
		return err
	}
	g.batch = b
	return nil
}

// CatFileBatch retrieves one object's content via the long-lived batch
// subprocess, opening it on first use.
func (g *Gateway) CatFileBatch(ctx context.Context, digest string) ([]byte, error) {
	if err := g.OpenCatFileBatch(ctx); err != nil {
		return nil, err
	}
	return g.batch.request(digest)
}

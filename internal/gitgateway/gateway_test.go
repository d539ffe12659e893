package gitgateway

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireGit(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping tests that shell out to git in short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "--quiet", dir)
	require.NoError(t, cmd.Run())
	return dir
}

func TestParseLsTree(t *testing.T) {
	out := []byte("100644 blob aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\tfile.txt\n" +
		"040000 tree bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb\tsub\n")
	entries, err := parseLsTree(out)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "file.txt", entries[0].Name)
	assert.Equal(t, "blob", entries[0].Type)
	assert.Equal(t, "sub", entries[1].Name)
	assert.Equal(t, "tree", entries[1].Type)
}

func TestParseLsTreeRejectsMalformed(t *testing.T) {
	_, err := parseLsTree([]byte("not a valid line\n"))
	require.Error(t, err)
}

func TestZeroOID(t *testing.T) {
	assert.Equal(t, 40, len(zeroOID(40)))
	assert.Equal(t, 64, len(zeroOID(64)))
	assert.Equal(t, bytes.Repeat([]byte("0"), 40), []byte(zeroOID(40)))
}

func TestHashObjectWriteIsIdempotent(t *testing.T) {
	requireGit(t)
	dir := newTestRepo(t)
	gw := New(dir, zap.NewNop())

	sha1, err := gw.HashObjectWrite(context.Background(), []byte("hello chunk"))
	require.NoError(t, err)
	sha2, err := gw.HashObjectWrite(context.Background(), []byte("hello chunk"))
	require.NoError(t, err)
	assert.Equal(t, sha1, sha2)
}

func TestMkTreeAndLsTreeRoundTrip(t *testing.T) {
	requireGit(t)
	dir := newTestRepo(t)
	gw := New(dir, zap.NewNop())
	ctx := context.Background()

	sha, err := gw.HashObjectWrite(ctx, []byte("chunk contents"))
	require.NoError(t, err)

	treeSHA, err := gw.MkTree(ctx, []TreeEntry{{Mode: "100644", Type: "blob", SHA: sha, Name: sha}})
	require.NoError(t, err)
	require.NotEmpty(t, treeSHA)

	entries, err := gw.LsTree(ctx, treeSHA)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sha, entries[0].SHA)
}

func TestLsTreeOnMissingRefReturnsEmpty(t *testing.T) {
	requireGit(t)
	dir := newTestRepo(t)
	gw := New(dir, zap.NewNop())

	entries, err := gw.LsTree(context.Background(), "refs/heads/does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateRefCASAndRevParse(t *testing.T) {
	requireGit(t)
	dir := newTestRepo(t)
	gw := New(dir, zap.NewNop())
	ctx := context.Background()

	blobSHA, err := gw.HashObjectWrite(ctx, []byte("x"))
	require.NoError(t, err)
	treeSHA, err := gw.MkTree(ctx, []TreeEntry{{Mode: "100644", Type: "blob", SHA: blobSHA, Name: "f"}})
	require.NoError(t, err)
	commitSHA, err := gw.CommitTree(ctx, treeSHA, "", "initial", time.Now())
	require.NoError(t, err)

	ref := "refs/heads/git-fastcdc"
	require.NoError(t, gw.UpdateRefCAS(ctx, ref, commitSHA, ""))

	sha, ok, err := gw.RevParse(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, commitSHA, sha)

	// wrong old value must fail the CAS
	err = gw.UpdateRefCAS(ctx, ref, commitSHA, zeroOID(len(commitSHA)))
	assert.Error(t, err)
}

func TestConfigGetDefaults(t *testing.T) {
	requireGit(t)
	dir := newTestRepo(t)
	gw := New(dir, zap.NewNop())
	ctx := context.Background()

	v, ok, err := gw.ConfigGet(ctx, "fastcdc.unsetkey")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)

	b, err := gw.ConfigGetBool(ctx, "fastcdc.ondisk", false)
	require.NoError(t, err)
	assert.False(t, b)

	n, err := gw.ConfigGetInt(ctx, "fastcdc.min", 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
}

func TestTempDirIsInsideGitDir(t *testing.T) {
	requireGit(t)
	dir := newTestRepo(t)
	gw := New(dir, zap.NewNop())

	tmp, err := gw.TempDir(context.Background())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(tmp) || tmp == ".git")
}

package filter

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/git-fastcdc/git-fastcdc/internal/chunker"
	"github.com/git-fastcdc/git-fastcdc/internal/chunkstore"
	"github.com/git-fastcdc/git-fastcdc/internal/gitgateway"
	"github.com/git-fastcdc/git-fastcdc/internal/pktline"
	"github.com/git-fastcdc/git-fastcdc/internal/ratelimit"
	"github.com/git-fastcdc/git-fastcdc/internal/sessionlog"
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

// harness wires a Driver to two in-process pipes and exposes pktline
// reader/writer on the test's side, playing the role of the host.
type harness struct {
	hostW   *pktline.Writer
	hostR   *pktline.Reader
	hostOut io.Closer

	driverDone chan error
}

func newHarness(t *testing.T, onDisk bool) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, exec.Command("git", "init", "--quiet", dir).Run())
	gw := gitgateway.New(dir, zap.NewNop())
	store := chunkstore.New(gw, ratelimit.NewUnlimited(), zap.NewNop(), nil)

	logger := zap.NewNop()
	session := sessionlog.NewSession(logger, "test-session")

	driverIn, hostOut := io.Pipe()
	hostIn, driverOut := io.Pipe()

	driver := New(driverIn, driverOut, chunker.DefaultParams(), onDisk, dir, store, session, nil)

	h := &harness{
		hostW:      pktline.NewWriter(hostOut),
		hostR:      pktline.NewReader(hostIn),
		hostOut:    hostOut,
		driverDone: make(chan error, 1),
	}
	go func() {
		h.driverDone <- driver.Serve(context.Background())
	}()
	return h
}

func (h *harness) handshake(t *testing.T) {
	t.Helper()
	require.NoError(t, h.hostW.WriteLine("git-filter-client"))
	require.NoError(t, h.hostW.WriteLine("version=2"))
	require.NoError(t, h.hostW.WriteFlush())

	welcome, flush, err := h.hostR.ReadLine()
	require.NoError(t, err)
	require.False(t, flush)
	require.Equal(t, "git-filter-server", welcome)

	version, flush, err := h.hostR.ReadLine()
	require.NoError(t, err)
	require.False(t, flush)
	require.Equal(t, "version=2", version)

	_, flush, err = h.hostR.ReadLine()
	require.NoError(t, err)
	require.True(t, flush)

	require.NoError(t, h.hostW.WriteLine("capability=clean"))
	require.NoError(t, h.hostW.WriteLine("capability=smudge"))
	require.NoError(t, h.hostW.WriteFlush())

	for {
		_, flush, err := h.hostR.ReadLine()
		require.NoError(t, err)
		if flush {
			break
		}
	}
}

// request sends one clean/smudge request with payload and returns the
// status line and result bytes.
func (h *harness) request(t *testing.T, command, pathname string, payload []byte) (status string, result []byte) {
	t.Helper()
	require.NoError(t, h.hostW.WriteLine("command="+command))
	require.NoError(t, h.hostW.WriteLine("pathname="+pathname))
	require.NoError(t, h.hostW.WriteFlush())

	if len(payload) > 0 {
		require.NoError(t, h.hostW.WritePacket(payload))
	}
	require.NoError(t, h.hostW.WriteFlush())

	status, flush, err := h.hostR.ReadLine()
	require.NoError(t, err)
	require.False(t, flush)

	_, flush, err = h.hostR.ReadLine()
	require.NoError(t, err)
	require.True(t, flush)

	for {
		pkt, err := h.hostR.ReadPacket()
		require.NoError(t, err)
		if pkt.Type == pktline.Flush {
			break
		}
		result = append(result, pkt.Payload...)
	}

	if status == "status=error" {
		// An error reply is status, flush, flush: the loop above has
		// already consumed the second flush.
		return status, result
	}

	_, flush, err = h.hostR.ReadLine()
	require.NoError(t, err)
	require.True(t, flush)

	return status, result
}

// closeSession closes the host's write side (simulating the host closing
// the filter's stdin) and waits for the driver to perform its final
// commit and exit cleanly.
func (h *harness) closeSession(t *testing.T) {
	t.Helper()
	require.NoError(t, h.hostOut.Close())
	select {
	case err := <-h.driverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not exit after session close")
	}
}

func TestCleanSmudgeRoundTrip(t *testing.T) {
	requireGit(t)
	h := newHarness(t, false)
	h.handshake(t)

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	status, manifest := h.request(t, "clean", "file.bin", payload)
	require.Equal(t, "status=success", status)
	require.Contains(t, string(manifest), "fastcdc\n")

	status, reconstructed := h.request(t, "smudge", "file.bin", manifest)
	require.Equal(t, "status=success", status)
	require.Equal(t, payload, reconstructed)

	h.closeSession(t)
}

func TestEmptyFileRoundTrip(t *testing.T) {
	requireGit(t)
	h := newHarness(t, false)
	h.handshake(t)

	status, manifest := h.request(t, "clean", "empty.bin", nil)
	require.Equal(t, "status=success", status)
	require.Equal(t, "fastcdc\n", string(manifest))

	status, reconstructed := h.request(t, "smudge", "empty.bin", manifest)
	require.Equal(t, "status=success", status)
	require.Empty(t, reconstructed)

	h.closeSession(t)
}

func TestInvalidManifestSmudgeDoesNotTerminateSession(t *testing.T) {
	requireGit(t)
	h := newHarness(t, false)
	h.handshake(t)

	status, _ := h.request(t, "smudge", "not-a-manifest.bin", []byte("hello\n"))
	require.Equal(t, "status=error", status)

	// a subsequent valid request in the same session must still succeed
	status, manifest := h.request(t, "clean", "ok.bin", []byte("some content"))
	require.Equal(t, "status=success", status)
	require.Contains(t, string(manifest), "fastcdc\n")

	h.closeSession(t)
}

func TestProtocolVersionMismatchIsFatal(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	require.NoError(t, exec.Command("git", "init", "--quiet", dir).Run())
	gw := gitgateway.New(dir, zap.NewNop())
	store := chunkstore.New(gw, ratelimit.NewUnlimited(), zap.NewNop(), nil)
	session := sessionlog.NewSession(zap.NewNop(), "mismatch-session")

	// The driver rejects the version before reading the trailing flush,
	// so the client hello is buffered up front instead of being written
	// through a pipe whose last write would never be read.
	var hello bytes.Buffer
	w := pktline.NewWriter(&hello)
	require.NoError(t, w.WriteLine("git-filter-client"))
	require.NoError(t, w.WriteLine("version=999"))
	require.NoError(t, w.WriteFlush())

	_, driverOut := io.Pipe()
	driver := New(&hello, driverOut, chunker.DefaultParams(), false, dir, store, session, nil)

	done := make(chan error, 1)
	go func() { done <- driver.Serve(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not exit on version mismatch")
	}
}

func TestOnDiskModeProducesSameRoundTrip(t *testing.T) {
	requireGit(t)
	h := newHarness(t, true)
	h.handshake(t)

	payload := []byte("a modest blob that fits comfortably either way")
	status, manifest := h.request(t, "clean", "file.bin", payload)
	require.Equal(t, "status=success", status)

	status, reconstructed := h.request(t, "smudge", "file.bin", manifest)
	require.Equal(t, "status=success", status)
	require.Equal(t, payload, reconstructed)

	h.closeSession(t)
}

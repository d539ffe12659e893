package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsCounters(t *testing.T) {
	c := New()
	c.RecordRequest("clean", "success", 5*time.Millisecond)
	c.AddChunksPersisted(3)
	c.AddChunksRetrieved(2)
	c.AddBytesIn(100)
	c.AddBytesOut(80)
	c.IncCommits()
	c.IncCASRetries()

	assert.Greater(t, c.Uptime(), time.Duration(0))

	snap := c.Snapshot()
	assert.Equal(t, 3, snap.ChunksPersisted)
	assert.Equal(t, 2, snap.ChunksRetrieved)
	assert.EqualValues(t, 100, snap.BytesIn)
	assert.EqualValues(t, 80, snap.BytesOut)
	assert.Equal(t, 1, snap.Commits)
	assert.Equal(t, 1, snap.CASRetries)
}

func TestServerServesMetricsEndpoint(t *testing.T) {
	c := New()
	c.AddChunksPersisted(1)
	srv := NewServer("127.0.0.1:0", c)

	// NewServer doesn't resolve a free port itself (Addr is fixed at
	// construction); exercise the handler directly instead of binding.
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	rw := newRecorder()
	srv.httpServer.Handler.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusOK, rw.code)
	assert.Contains(t, rw.body, "fastcdc_chunks_persisted_total")
}

func TestServerShutdown(t *testing.T) {
	c := New()
	srv := NewServer("127.0.0.1:0", c)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Shutdown before Start is a safe no-op; exercises the same code
	// path Close-on-unstarted-server would in the driver's cleanup.
	require.NoError(t, srv.Shutdown(ctx))
}

type recorder struct {
	code   int
	body   string
	header http.Header
}

func newRecorder() *recorder {
	return &recorder{code: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) Write(p []byte) (int, error) {
	r.body += string(p)
	return len(p), nil
}

func (r *recorder) WriteHeader(code int) { r.code = code }

var _ io.Writer = (*recorder)(nil)

// Package metrics tracks session-local counters -- chunks persisted and
// retrieved, bytes processed, side-branch commits, CAS retries, and
// request latency by command -- on a private Prometheus registry. These
// numbers exist primarily to feed the final session log line
// (internal/sessionlog); exposing them over HTTP is a strictly opt-in
// extra, gated on fastcdc.metricsaddr, since a filter driver is a
// short-lived worker process and not a server.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every counter/histogram the driver updates over one
// process lifetime.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	chunksPersisted prometheus.Counter
	chunksRetrieved prometheus.Counter
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	commitsTotal    prometheus.Counter
	casRetries      prometheus.Counter

	// Mirrored plain counters feeding Snapshot. The driver that owns a
	// Collector runs its request loop single-threaded (§5), so these
	// need no synchronization of their own.
	chunksPersistedN int
	chunksRetrievedN int
	bytesInN         int64
	bytesOutN        int64
	commitsN         int
	casRetriesN      int

	startTime time.Time
}

// New creates a Collector with its own private registry (never the
// global default registry, so multiple tests or multiple in-process
// uses never collide on duplicate registration).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fastcdc_requests_total",
				Help: "Total number of clean/smudge requests served, by command and status",
			},
			[]string{"command", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fastcdc_request_duration_seconds",
				Help:    "Request handling latency in seconds, by command",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		chunksPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcdc_chunks_persisted_total",
			Help: "Total number of chunks produced by clean requests and handed to the chunk store",
		}),
		chunksRetrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcdc_chunks_retrieved_total",
			Help: "Total number of chunks read back by smudge requests",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcdc_bytes_in_total",
			Help: "Total bytes read from the host across all requests",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcdc_bytes_out_total",
			Help: "Total bytes written to the host across all requests",
		}),
		commitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcdc_side_branch_commits_total",
			Help: "Total number of commits made to the side branch",
		}),
		casRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcdc_cas_retries_total",
			Help: "Total number of update-ref CAS retries",
		}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		c.requestsTotal, c.requestDuration, c.chunksPersisted, c.chunksRetrieved,
		c.bytesIn, c.bytesOut, c.commitsTotal, c.casRetries,
	)
	return c
}

// RecordRequest records one completed request's outcome and latency.
func (c *Collector) RecordRequest(command, status string, d time.Duration) {
	c.requestsTotal.WithLabelValues(command, status).Inc()
	c.requestDuration.WithLabelValues(command).Observe(d.Seconds())
}

// AddChunksPersisted increments the persisted-chunk counter by n.
func (c *Collector) AddChunksPersisted(n int) {
	c.chunksPersisted.Add(float64(n))
	c.chunksPersistedN += n
}

// AddChunksRetrieved increments the retrieved-chunk counter by n.
func (c *Collector) AddChunksRetrieved(n int) {
	c.chunksRetrieved.Add(float64(n))
	c.chunksRetrievedN += n
}

// AddBytesIn increments the inbound byte counter by n.
func (c *Collector) AddBytesIn(n int64) {
	c.bytesIn.Add(float64(n))
	c.bytesInN += n
}

// AddBytesOut increments the outbound byte counter by n.
func (c *Collector) AddBytesOut(n int64) {
	c.bytesOut.Add(float64(n))
	c.bytesOutN += n
}

// IncCommits records one new side-branch commit.
func (c *Collector) IncCommits() {
	c.commitsTotal.Inc()
	c.commitsN++
}

// IncCASRetries records one update-ref CAS retry.
func (c *Collector) IncCASRetries() {
	c.casRetries.Inc()
	c.casRetriesN++
}

// Uptime reports how long this Collector (and hence the process) has
// been running.
func (c *Collector) Uptime() time.Duration { return time.Since(c.startTime) }

// Snapshot is a point-in-time read of the counters, used for the final
// session log line.
type Snapshot struct {
	ChunksPersisted int
	ChunksRetrieved int
	BytesIn         int64
	BytesOut        int64
	Commits         int
	CASRetries      int
}

// Snapshot reads the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ChunksPersisted: c.chunksPersistedN,
		ChunksRetrieved: c.chunksRetrievedN,
		BytesIn:         c.bytesInN,
		BytesOut:        c.bytesOutN,
		Commits:         c.commitsN,
		CASRetries:      c.casRetriesN,
	}
}

// Server optionally exposes the collector's registry over HTTP at
// /metrics, using a chi mux matching the rest of the domain stack's
// routing idiom. Only started when fastcdc.metricsaddr is configured;
// otherwise the driver never listens on any socket.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) a metrics HTTP server bound to
// addr, serving c's registry.
func NewServer(addr string, c *Collector) *Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	return &Server{httpServer: &http.Server{
		Addr:    addr,
		Handler: r,
	}}
}

// Start begins serving in the background. A failure to listen is
// returned as err; serve errors other than the server being closed are
// sent on errCh.
func (s *Server) Start() (errCh <-chan error, err error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, err
	}
	ch := make(chan error, 1)
	go func() {
		serveErr := s.httpServer.Serve(ln)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			ch <- serveErr
		}
		close(ch)
	}()
	return ch, nil
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package filter implements the protocol state machine that drives one
// long-lived clean/smudge session: handshake, then a strictly sequential
// request loop, then a single trailing side-branch commit on EOF. It is
// the orchestrator that wires together the chunker, the blob buffer, and
// the chunk store underneath the pkt-line framing.
package filter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/git-fastcdc/git-fastcdc/internal/blobbuffer"
	"github.com/git-fastcdc/git-fastcdc/internal/chunker"
	"github.com/git-fastcdc/git-fastcdc/internal/chunkstore"
	"github.com/git-fastcdc/git-fastcdc/internal/fcdcerrors"
	"github.com/git-fastcdc/git-fastcdc/internal/metrics"
	"github.com/git-fastcdc/git-fastcdc/internal/pktline"
	"github.com/git-fastcdc/git-fastcdc/internal/sessionlog"
	"go.uber.org/zap"
)

const protocolVersion = "version=2"

// supportedCapabilities lists what this driver can do, in the order it
// prefers to advertise them. The delay capability is deliberately never
// included.
var supportedCapabilities = []string{"clean", "smudge"}

// Driver serves one filter-protocol session over in and out.
type Driver struct {
	r *pktline.Reader
	w *pktline.Writer

	params  chunker.Params
	onDisk  bool
	tempDir string

	store   *chunkstore.Store
	session *sessionlog.Session
	metrics *metrics.Collector
}

// New creates a Driver. store must be freshly constructed for this
// process; session scopes log lines to this session; metrics may be nil.
func New(in io.Reader, out io.Writer, params chunker.Params, onDisk bool, tempDir string, store *chunkstore.Store, session *sessionlog.Session, mcol *metrics.Collector) *Driver {
	return &Driver{
		r:       pktline.NewReader(in),
		w:       pktline.NewWriter(out),
		params:  params,
		onDisk:  onDisk,
		tempDir: tempDir,
		store:   store,
		session: session,
		metrics: mcol,
	}
}

// Serve runs the handshake, then serves requests until the host closes
// its end of the pipe, then performs the final side-branch commit if any
// chunk was persisted this session. A fatal error aborts the session
// without attempting the final commit's own failure to be hidden behind
// an earlier success.
func (d *Driver) Serve(ctx context.Context) error {
	log := d.session.Base()

	if err := d.handshake(); err != nil {
		log.Error("handshake failed", zap.Error(err))
		return err
	}
	log.Info("handshake complete")

	for {
		eof, err := d.serveOneRequest(ctx)
		if err != nil {
			log.Error("fatal session error", zap.Error(err))
			return err
		}
		if eof {
			break
		}
	}

	if d.metrics != nil {
		snap := d.metrics.Snapshot()
		log.Info("session complete",
			zap.Int("requests_served", d.session.RequestsServed()),
			zap.Int("chunks_persisted", snap.ChunksPersisted),
			zap.Int("chunks_retrieved", snap.ChunksRetrieved),
			zap.Int64("bytes_in", snap.BytesIn),
			zap.Int64("bytes_out", snap.BytesOut),
		)
	} else {
		log.Info("session complete", zap.Int("requests_served", d.session.RequestsServed()))
	}

	if d.store.Dirty() {
		added := d.store.Added()
		if err := d.store.Flush(ctx, time.Now()); err != nil {
			log.Error("final side-branch commit failed", zap.Error(err))
			return err
		}
		if d.metrics != nil {
			d.metrics.IncCommits()
		}
		log.Info("side branch committed", zap.Int("chunks_added", added))
	}

	return nil
}

// handshake performs the exact pkt-line exchange the host's filter
// protocol v2 requires: read client welcome/version/flush, write server
// welcome/version/flush, read client capabilities/flush, write the
// intersection of requested and supported capabilities/flush.
func (d *Driver) handshake() error {
	welcome, flush, err := d.r.ReadLine()
	if err != nil {
		return err
	}
	if flush || welcome != "git-filter-client" {
		return fcdcerrors.NewProtocolError(fmt.Sprintf("unexpected client welcome %q", welcome))
	}

	version, flush, err := d.r.ReadLine()
	if err != nil {
		return err
	}
	if flush || version != protocolVersion {
		return fcdcerrors.NewProtocolError(fmt.Sprintf("unsupported client version %q", version))
	}

	if err := d.expectFlush(); err != nil {
		return err
	}

	if err := d.w.WriteLine("git-filter-server"); err != nil {
		return err
	}
	if err := d.w.WriteLine(protocolVersion); err != nil {
		return err
	}
	if err := d.w.WriteFlush(); err != nil {
		return err
	}

	clientCaps := make(map[string]bool)
	for {
		line, flush, err := d.r.ReadLine()
		if err != nil {
			return err
		}
		if flush {
			break
		}
		if capName, ok := strings.CutPrefix(line, "capability="); ok {
			clientCaps[capName] = true
		}
	}

	for _, capName := range supportedCapabilities {
		if clientCaps[capName] {
			if err := d.w.WriteLine("capability=" + capName); err != nil {
				return err
			}
		}
	}
	return d.w.WriteFlush()
}

// expectFlush reads one packet and requires it to be a flush.
func (d *Driver) expectFlush() error {
	_, flush, err := d.r.ReadLine()
	if err != nil {
		return err
	}
	if !flush {
		return fcdcerrors.NewProtocolError("expected flush packet")
	}
	return nil
}

// serveOneRequest handles exactly one clean/smudge request, or reports
// eof=true when the host has closed its side of the pipe (end of
// session). Any per-request error (MissingChunk, InvalidManifest, a
// localizable StorageError) is answered with status=error and the
// session continues; fatal errors are returned for Serve to abort on.
func (d *Driver) serveOneRequest(ctx context.Context) (eof bool, err error) {
	header, eof, err := d.readHeader()
	if err != nil {
		return false, err
	}
	if eof {
		return true, nil
	}

	command := header["command"]
	pathname := header["pathname"]
	log := d.session.ForRequest(command, pathname)
	start := time.Now()

	buf, err := blobbuffer.New(d.onDisk, d.tempDir)
	if err != nil {
		return false, fcdcerrors.NewIOError("allocate blob buffer", err)
	}
	defer func() { _ = buf.Close() }()

	if err := d.readPayload(buf); err != nil {
		return false, err
	}

	var result []byte
	var procErr error
	switch command {
	case "clean":
		result, procErr = d.clean(ctx, buf)
	case "smudge":
		result, procErr = d.smudge(ctx, buf)
	default:
		procErr = fcdcerrors.NewProtocolError(fmt.Sprintf("unsupported command %q", command))
	}

	if procErr != nil {
		if fcdcerrors.IsFatal(procErr) {
			return false, procErr
		}
		log.Warn("request failed", zap.Error(procErr))
		if d.metrics != nil {
			d.metrics.RecordRequest(command, "error", time.Since(start))
		}
		if err := d.w.WriteLine("status=error"); err != nil {
			return false, err
		}
		if err := d.w.WriteFlush(); err != nil {
			return false, err
		}
		return false, d.w.WriteFlush()
	}

	if err := d.w.WriteLine("status=success"); err != nil {
		return false, err
	}
	if err := d.w.WriteFlush(); err != nil {
		return false, err
	}
	if len(result) > 0 {
		if err := d.w.WritePacket(result); err != nil {
			return false, err
		}
	}
	if err := d.w.WriteFlush(); err != nil {
		return false, err
	}
	if err := d.w.WriteFlush(); err != nil {
		return false, err
	}

	if d.metrics != nil {
		d.metrics.RecordRequest(command, "success", time.Since(start))
	}
	log.Info("request served", zap.Int("result_bytes", len(result)))
	return false, nil
}

// readHeader reads key=value header packets until flush. Returns
// eof=true if the host closed the pipe before sending a new request,
// which is the normal, non-error end of a session.
func (d *Driver) readHeader() (map[string]string, bool, error) {
	header := make(map[string]string)
	first := true
	for {
		line, flush, err := d.r.ReadLine()
		if err != nil {
			if err == io.EOF && first {
				return nil, true, nil
			}
			return nil, false, err
		}
		if flush {
			break
		}
		first = false
		if key, value, ok := strings.Cut(line, "="); ok {
			header[key] = value
		}
	}
	return header, false, nil
}

// readPayload reads data packets into buf until flush.
func (d *Driver) readPayload(buf blobbuffer.Buffer) error {
	for {
		pkt, err := d.r.ReadPacket()
		if err != nil {
			return err
		}
		switch pkt.Type {
		case pktline.Flush:
			return nil
		case pktline.Data:
			if err := buf.Append(pkt.Payload); err != nil {
				return fcdcerrors.NewIOError("append payload to blob buffer", err)
			}
		default:
			return fcdcerrors.NewProtocolError("unexpected delim packet in payload section")
		}
	}
}

// clean streams buf through the chunker, persisting each chunk and
// building the manifest in emission order.
func (d *Driver) clean(ctx context.Context, buf blobbuffer.Buffer) ([]byte, error) {
	r, err := buf.Reader()
	if err != nil {
		return nil, fcdcerrors.NewIOError("open blob buffer for chunking", err)
	}

	source := chunker.NewSource(r, d.params)
	var digests []string
	for {
		c, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fcdcerrors.NewIOError("chunking failed reading blob buffer", err)
		}
		digest, err := d.store.Persist(ctx, c.Data)
		if err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}

	if d.metrics != nil {
		d.metrics.AddChunksPersisted(len(digests))
		d.metrics.AddBytesIn(buf.Len())
	}
	return buildManifest(digests), nil
}

// smudge parses buf as a manifest and reconstructs the original bytes by
// concatenating each referenced chunk in manifest order.
func (d *Driver) smudge(ctx context.Context, buf blobbuffer.Buffer) ([]byte, error) {
	data, err := buf.ReadAll()
	if err != nil {
		return nil, fcdcerrors.NewIOError("read blob buffer", err)
	}

	digests, err := parseManifest(data)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, digest := range digests {
		chunk, err := d.store.Retrieve(ctx, digest)
		if err != nil {
			return nil, err
		}
		out.Write(chunk)
	}

	if d.metrics != nil {
		d.metrics.AddChunksRetrieved(len(digests))
		d.metrics.AddBytesOut(int64(out.Len()))
	}
	return out.Bytes(), nil
}

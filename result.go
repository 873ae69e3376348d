package sfcore

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// resultFormatJSON is the only result serialization this client consumes.
const resultFormatJSON = "json"

// Stage-served chunks authenticate with either the manifest's verbatim
// header map or the result master key as SSE-C headers.
const (
	headerSseCAlgorithm = "x-amz-server-side-encryption-customer-algorithm"
	headerSseCKey       = "x-amz-server-side-encryption-customer-key"
	sseCAlgorithmAES    = "AES256"
)

// chunkPayload carries one downloaded chunk from the prefetcher to the
// consumer.
type chunkPayload struct {
	rows [][]*string
	err  error
}

// Rows streams a statement's result set in manifest order: the inline
// rowset first, then every chunk. The stream is forward-only and ends with
// io.EOF. Next must not be called concurrently; Close may be called from
// another goroutine.
type Rows struct {
	session *Session

	columns []RowType
	queryID string
	total   int64

	mu       sync.Mutex
	batch    [][]*string
	batchIdx int
	err      error
	closed   bool

	queue          chan chan chunkPayload
	pending        chan chunkPayload
	cancelPrefetch context.CancelFunc
	group          *errgroup.Group
	dispatchDone   chan struct{}
}

// newRows builds the result stream for a terminal query response.
func newRows(s *Session, data *queryData) (*Rows, error) {
	if data.QueryResultFormat != "" && data.QueryResultFormat != resultFormatJSON {
		return nil, newError(KindProtocol, "result",
			"unsupported result format %q", data.QueryResultFormat)
	}

	r := &Rows{
		session: s,
		columns: data.RowType,
		queryID: data.QueryID,
		total:   data.Total,
		batch:   data.RowSet,
	}
	if len(data.Chunks) > 0 {
		r.startPrefetch(data.Chunks, data.ChunkHeaders, data.QRMK)
	}
	return r, nil
}

// Columns reports the result column metadata.
func (r *Rows) Columns() []RowType {
	return r.columns
}

// QueryID reports the server-side identifier of the statement that
// produced this result.
func (r *Rows) QueryID() string {
	return r.queryID
}

// TotalRows reports the row count the manifest promises across the inline
// rowset and all chunks.
func (r *Rows) TotalRows() int64 {
	return r.total
}

// Next returns the next row, with unquoted column values as returned by
// the server; a nil cell is SQL NULL. It returns io.EOF when the stream is
// exhausted. An inline rowset may be empty even when chunks follow, so an
// empty batch advances to the next chunk rather than ending the stream.
func (r *Rows) Next(ctx context.Context) ([]*string, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, newError(KindUseAfterClose, "rows", "result stream is closed")
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return nil, err
		}
		if r.batchIdx < len(r.batch) {
			row := r.batch[r.batchIdx]
			r.batchIdx++
			r.mu.Unlock()
			return row, nil
		}
		queue := r.queue
		slot := r.pending
		r.mu.Unlock()

		// Blocking receives happen outside the lock so Close can
		// interrupt a stalled download.
		if slot == nil {
			if queue == nil {
				return nil, io.EOF
			}
			var ok bool
			select {
			case slot, ok = <-queue:
				if !ok {
					r.mu.Lock()
					if r.queue == queue {
						r.queue = nil
					}
					r.mu.Unlock()
					return nil, io.EOF
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Park the dequeued slot so a context failure here does not
			// skip the chunk: the next call resumes waiting on it.
			r.mu.Lock()
			r.pending = slot
			r.mu.Unlock()
		}

		var payload chunkPayload
		select {
		case payload = <-slot:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		r.mu.Lock()
		r.pending = nil
		if r.closed {
			r.mu.Unlock()
			return nil, newError(KindUseAfterClose, "rows", "result stream is closed")
		}
		if payload.err != nil {
			// Latched: the stream cannot resume past a broken chunk.
			r.err = payload.err
			r.mu.Unlock()
			return nil, payload.err
		}
		r.batch, r.batchIdx = payload.rows, 0
		r.mu.Unlock()
	}
}

// Close stops the prefetcher and waits for in-flight downloads to settle.
// It never cancels the statement server-side, and it is idempotent.
func (r *Rows) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancelPrefetch
	group := r.group
	done := r.dispatchDone
	r.queue = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if group != nil {
		_ = group.Wait()
	}
	return nil
}

// startPrefetch launches the bounded chunk pipeline. Chunks are queued in
// manifest order as one-shot slots; up to the configured prefetch depth
// downloads run concurrently, and the consumer reads slots in order, so a
// slow early chunk never lets a later one overtake it.
func (r *Rows) startPrefetch(chunks []chunkMetadata, headers map[string]string, qrmk string) {
	prefetch := r.session.cfg.ChunkPrefetch
	if prefetch < 1 {
		prefetch = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetch)

	queue := make(chan chan chunkPayload, prefetch)
	done := make(chan struct{})

	r.queue = queue
	r.cancelPrefetch = cancel
	r.group = g
	r.dispatchDone = done

	go func() {
		defer close(queue)
		defer close(done)
		for _, chunk := range chunks {
			slot := make(chan chunkPayload, 1)
			select {
			case queue <- slot:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				rows, err := r.session.client.fetchChunk(gctx, chunk, headers, qrmk)
				// The slot is buffered, so delivery cannot block, and
				// errors travel through it rather than the group: a
				// failed chunk must surface in order, not cancel its
				// neighbors.
				slot <- chunkPayload{rows: rows, err: err}
				return nil
			})
		}
	}()
}

// fetchChunk downloads and decodes one result chunk. The body is a
// comma-separated row stream without the outer JSON brackets; it may be
// gzip-compressed with or without a Content-Encoding header.
func (c *Client) fetchChunk(ctx context.Context, chunk chunkMetadata, headers map[string]string, qrmk string) ([][]*string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunk.URL, nil)
	if err != nil {
		return nil, wrapError(KindConfiguration, "chunk request", err)
	}
	if len(headers) > 0 {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	} else if qrmk != "" {
		req.Header.Set(headerSseCAlgorithm, sseCAlgorithmAES)
		req.Header.Set(headerSseCKey, qrmk)
	}

	resp, err := c.doRaw(req, newCallContext(http.MethodGet))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	var reader io.Reader = br
	if head, _ := br.Peek(2); resp.Header.Get("Content-Encoding") == contentEncodingGzip ||
		(len(head) == 2 && head[0] == 0x1f && head[1] == 0x8b) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, wrapError(KindDecode, "decompress chunk", err)
		}
		defer gz.Close()
		reader = gz
	}

	wrapped := io.MultiReader(strings.NewReader("["), reader, strings.NewReader("]"))
	var rows [][]*string
	if err := json.NewDecoder(wrapped).Decode(&rows); err != nil {
		return nil, wrapError(KindDecode, "decode chunk", err)
	}

	log.Debug().
		Str("url", chunk.URL).
		Int("rows", len(rows)).
		Int64("expected_rows", chunk.RowCount).
		Msg("downloaded result chunk")
	return rows, nil
}

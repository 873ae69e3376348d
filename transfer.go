package sfcore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Transfer commands as the server names them in exec responses.
const (
	commandUpload   = "UPLOAD"
	commandDownload = "DOWNLOAD"
)

// Per-file transfer statuses reported in result rows.
const (
	transferStatusUploaded   = "UPLOADED"
	transferStatusDownloaded = "DOWNLOADED"
	transferStatusSkipped    = "SKIPPED"
	transferStatusError      = "ERROR"
)

// defaultTransferParallel applies when the server suggests no parallelism
// degree with the transfer command.
const defaultTransferParallel = 4

var uploadColumns = []RowType{
	{Name: "source", Type: "text"},
	{Name: "target", Type: "text"},
	{Name: "source_size", Type: "fixed"},
	{Name: "target_size", Type: "fixed"},
	{Name: "source_compression", Type: "text"},
	{Name: "target_compression", Type: "text"},
	{Name: "status", Type: "text"},
	{Name: "message", Type: "text"},
}

var downloadColumns = []RowType{
	{Name: "file", Type: "text"},
	{Name: "size", Type: "fixed"},
	{Name: "status", Type: "text"},
	{Name: "message", Type: "text"},
}

// isTransferCommand reports whether an exec response asks the driver to
// move stage files instead of streaming a result set. The server parses
// PUT and GET statements itself; the response carries the stage
// description, scoped credentials, and source list.
func isTransferCommand(data *queryData) bool {
	switch strings.ToUpper(data.Command) {
	case commandUpload, commandDownload:
		return true
	}
	return false
}

// runTransfer executes the UPLOAD or DOWNLOAD command carried in an exec
// response and synthesizes per-file result rows. One file's failure is
// confined to its row; only systemic failures (cancellation, an unusable
// stage description) abort the batch.
func (s *Session) runTransfer(ctx context.Context, data *queryData) (*Rows, error) {
	info := data.StageInfo
	if info == nil {
		info = data.UploadInfo
	}
	if info == nil {
		return nil, newError(KindProtocol, "transfer", "transfer command carries no stage description")
	}

	backend, err := newStageBackend(s.client, info)
	if err != nil {
		return nil, err
	}

	agent := &transferAgent{
		session:  s,
		backend:  backend,
		data:     data,
		parallel: transferParallelism(data.Parallel, s.cfg.TransferParallel),
		remote:   !strings.EqualFold(info.LocationType, stageLocationLocalFS),
	}

	log.Debug().
		Str("command", data.Command).
		Str("location_type", info.LocationType).
		Int("sources", len(data.SrcLocations)).
		Int("parallel", agent.parallel).
		Msg("starting stage transfer")

	switch strings.ToUpper(data.Command) {
	case commandUpload:
		return agent.upload(ctx)
	case commandDownload:
		return agent.download(ctx)
	default:
		return nil, newError(KindProtocol, "transfer", "unsupported transfer command %q", data.Command)
	}
}

// transferParallelism resolves the degree of file-level concurrency: the
// server's suggestion, defaulted, then capped by client configuration.
func transferParallelism(suggested int64, limit int) int {
	p := int(suggested)
	if p <= 0 {
		p = defaultTransferParallel
	}
	if limit > 0 && p > limit {
		p = limit
	}
	return p
}

// transferAgent moves one command's files between the local filesystem and
// a stage backend.
type transferAgent struct {
	session  *Session
	backend  stageBackend
	data     *queryData
	parallel int

	// remote is false for LOCAL_FS stages, which keep no object metadata
	// and therefore never carry encrypted payloads.
	remote bool
}

// uploadMaterial returns the command's encryption material. Uploads carry
// at most one, shared by every file.
func (a *transferAgent) uploadMaterial() *encryptionMaterial {
	materials := a.data.EncryptionMaterial
	if len(materials) == 0 || materials[0].QueryStageMasterKey == "" {
		return nil
	}
	return &materials[0]
}

// downloadMaterial returns the material for the i-th source. Downloads
// carry materials in source order; a single material is shared.
func (a *transferAgent) downloadMaterial(i int) *encryptionMaterial {
	materials := a.data.EncryptionMaterial
	switch {
	case len(materials) == 0:
		return nil
	case i >= len(materials):
		if len(materials) != 1 {
			return nil
		}
		i = 0
	}
	if materials[i].QueryStageMasterKey == "" {
		return nil
	}
	return &materials[i]
}

// --- Upload (PUT) ---

// transferSource is one expanded upload source. A pattern that failed to
// expand still occupies a slot, so its error surfaces as a result row in
// source order.
type transferSource struct {
	pattern string
	path    string
	err     error
}

func (s transferSource) display() string {
	if s.path != "" {
		return filepath.Base(s.path)
	}
	return s.pattern
}

// expandSources resolves each source location as a glob pattern. Patterns
// that match nothing, and matches that are not regular files, become error
// entries rather than failures.
func expandSources(patterns []string) []transferSource {
	var out []transferSource
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			out = append(out, transferSource{pattern: pattern,
				err: newError(KindConfiguration, "stage upload", "bad source pattern %q: %v", pattern, err)})
			continue
		}
		if len(matches) == 0 {
			out = append(out, transferSource{pattern: pattern,
				err: newError(KindConfiguration, "stage upload", "no files match %q", pattern)})
			continue
		}
		for _, path := range matches {
			fi, err := os.Stat(path)
			switch {
			case err != nil:
				out = append(out, transferSource{pattern: pattern, path: path, err: err})
			case !fi.Mode().IsRegular():
				out = append(out, transferSource{pattern: pattern, path: path,
					err: newError(KindConfiguration, "stage upload", "%s is not a regular file", path)})
			default:
				out = append(out, transferSource{pattern: pattern, path: path})
			}
		}
	}
	return out
}

type uploadOutcome struct {
	source            string
	target            string
	sourceSize        int64
	targetSize        int64
	sourceCompression string
	targetCompression string
	status            string
	message           string
}

func (a *transferAgent) upload(ctx context.Context) (*Rows, error) {
	sources := expandSources(a.data.SrcLocations)
	outcomes := make([]uploadOutcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for i, src := range sources {
		g.Go(func() error {
			outcomes[i] = a.uploadOne(gctx, src)
			return nil
		})
	}
	// Workers never fail the group; per-file errors live in their rows.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newTransferRows(a.session, a.data.QueryID, uploadColumns, uploadRowset(outcomes))
}

func (a *transferAgent) uploadOne(ctx context.Context, src transferSource) uploadOutcome {
	out := uploadOutcome{
		source:            src.display(),
		sourceCompression: compressionNone.name,
		targetCompression: compressionNone.name,
	}
	fail := func(err error) uploadOutcome {
		out.status = transferStatusError
		out.message = err.Error()
		return out
	}

	if src.err != nil {
		return fail(src.err)
	}

	data, err := os.ReadFile(src.path)
	if err != nil {
		return fail(err)
	}
	out.sourceSize = int64(len(data))

	autoCompress := a.data.AutoCompress == nil || *a.data.AutoCompress
	plan, err := planCompression(out.source, data, a.data.SourceCompression, autoCompress)
	if err != nil {
		return fail(err)
	}
	out.sourceCompression = plan.source.name
	out.targetCompression = plan.target.name

	payload := data
	out.target = out.source
	if plan.gzipUpload {
		if payload, err = gzipCompress(data, out.source); err != nil {
			return fail(err)
		}
		out.target += "." + compressionGzip.extension
	}

	meta := map[string]string{metaDigest: payloadDigest(payload)}
	if material := a.uploadMaterial(); material != nil && a.remote {
		encrypted, cryptoMeta, err := encryptPayload(payload, material)
		if err != nil {
			return fail(err)
		}
		payload = encrypted
		meta[metaDigest] = cryptoMeta.digest
		meta[metaKey] = cryptoMeta.key
		meta[metaIV] = cryptoMeta.iv
		meta[metaMatdesc] = cryptoMeta.matdesc
	}
	out.targetSize = int64(len(payload))

	if !a.data.Overwrite {
		switch found, err := a.backend.exists(ctx, out.target); {
		case err != nil:
			return fail(err)
		case found:
			out.status = transferStatusSkipped
			out.targetSize = 0
			return out
		}
	}

	if err := a.backend.put(ctx, out.target, payload, meta); err != nil {
		return fail(err)
	}
	out.status = transferStatusUploaded

	log.Debug().
		Str("source", out.source).
		Str("target", out.target).
		Int64("bytes", out.targetSize).
		Msg("uploaded stage file")
	return out
}

func uploadRowset(outcomes []uploadOutcome) [][]*string {
	rows := make([][]*string, len(outcomes))
	for i, o := range outcomes {
		cells := []string{
			o.source,
			o.target,
			strconv.FormatInt(o.sourceSize, 10),
			strconv.FormatInt(o.targetSize, 10),
			o.sourceCompression,
			o.targetCompression,
			o.status,
			o.message,
		}
		row := make([]*string, len(cells))
		for j := range cells {
			row[j] = &cells[j]
		}
		rows[i] = row
	}
	return rows
}

// --- Download (GET) ---

type downloadOutcome struct {
	file    string
	size    int64
	status  string
	message string
}

func (a *transferAgent) download(ctx context.Context) (*Rows, error) {
	if a.data.LocalLocation == "" {
		return nil, newError(KindProtocol, "transfer", "download command carries no local directory")
	}
	if err := os.MkdirAll(a.data.LocalLocation, 0o755); err != nil {
		return nil, wrapError(KindConfiguration, "transfer", err)
	}

	outcomes := make([]downloadOutcome, len(a.data.SrcLocations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for i, src := range a.data.SrcLocations {
		g.Go(func() error {
			outcomes[i] = a.downloadOne(gctx, i, src)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newTransferRows(a.session, a.data.QueryID, downloadColumns, downloadRowset(outcomes))
}

func (a *transferAgent) downloadOne(ctx context.Context, idx int, src string) downloadOutcome {
	out := downloadOutcome{file: src}
	fail := func(err error) downloadOutcome {
		out.status = transferStatusError
		out.message = err.Error()
		return out
	}

	data, meta, err := a.backend.get(ctx, src)
	if err != nil {
		return fail(err)
	}

	if material := a.downloadMaterial(idx); material != nil && a.remote {
		cryptoMeta, err := cryptoMetadataFrom(meta)
		if err != nil {
			return fail(err)
		}
		if data, err = decryptPayload(data, cryptoMeta, material); err != nil {
			return fail(err)
		}
	}

	// Base strips any stage path from the remote name; everything lands
	// directly in the local directory.
	localPath := filepath.Join(a.data.LocalLocation, filepath.Base(src))
	if err := writeFileAtomic(localPath, data); err != nil {
		return fail(err)
	}
	out.size = int64(len(data))
	out.status = transferStatusDownloaded

	log.Debug().
		Str("file", src).
		Str("local", localPath).
		Int64("bytes", out.size).
		Msg("downloaded stage file")
	return out
}

func downloadRowset(outcomes []downloadOutcome) [][]*string {
	rows := make([][]*string, len(outcomes))
	for i, o := range outcomes {
		cells := []string{
			o.file,
			strconv.FormatInt(o.size, 10),
			o.status,
			o.message,
		}
		row := make([]*string, len(cells))
		for j := range cells {
			row[j] = &cells[j]
		}
		rows[i] = row
	}
	return rows
}

// newTransferRows packages per-file outcomes as a result stream of the
// same shape the server uses for ordinary result sets.
func newTransferRows(s *Session, queryID string, columns []RowType, rowset [][]*string) (*Rows, error) {
	return newRows(s, &queryData{
		RowType:  columns,
		RowSet:   rowset,
		Total:    int64(len(rowset)),
		Returned: int64(len(rowset)),
		QueryID:  queryID,
	})
}

package sfcore

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// sourceCompressionAuto asks the pipeline to detect each file's compression
// instead of trusting a caller-declared format.
const sourceCompressionAuto = "auto_detect"

// compressionKind describes one compression format the stage pipeline
// recognizes. Unsupported kinds are still listed so a PUT of, say, an .xz
// file fails with a clear error instead of staging bytes the warehouse
// cannot load.
type compressionKind struct {
	name      string
	extension string
	supported bool
	magic     [][]byte
}

var (
	compressionGzip       = &compressionKind{name: "GZIP", extension: "gz", supported: true, magic: [][]byte{{0x1f, 0x8b}}}
	compressionBzip2      = &compressionKind{name: "BZ2", extension: "bz2", supported: true, magic: [][]byte{[]byte("BZh")}}
	compressionBrotli     = &compressionKind{name: "BROTLI", extension: "br", supported: true}
	compressionZstd       = &compressionKind{name: "ZSTD", extension: "zst", supported: true, magic: [][]byte{{0x28, 0xb5, 0x2f, 0xfd}}}
	compressionDeflate    = &compressionKind{name: "DEFLATE", extension: "deflate", supported: true}
	compressionRawDeflate = &compressionKind{name: "RAW_DEFLATE", extension: "raw_deflate", supported: true}
	compressionNone       = &compressionKind{name: "NONE", supported: true}

	compressionLzip     = &compressionKind{name: "LZIP", extension: "lz", magic: [][]byte{[]byte("LZIP")}}
	compressionLzma     = &compressionKind{name: "LZMA", extension: "lzma"}
	compressionLzo      = &compressionKind{name: "LZO", extension: "lzo"}
	compressionXz       = &compressionKind{name: "XZ", extension: "xz", magic: [][]byte{{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}}}
	compressionCompress = &compressionKind{name: "COMPRESS", extension: "Z", magic: [][]byte{{0x1f, 0x9d}, {0x1f, 0xa0}}}
	compressionParquet  = &compressionKind{name: "PARQUET", extension: "parquet", magic: [][]byte{[]byte("PAR1")}}
	compressionOrc      = &compressionKind{name: "ORC", extension: "orc", magic: [][]byte{[]byte("ORC")}}
)

var compressionKinds = []*compressionKind{
	compressionGzip, compressionBzip2, compressionBrotli, compressionZstd,
	compressionDeflate, compressionRawDeflate,
	compressionLzip, compressionLzma, compressionLzo, compressionXz,
	compressionCompress, compressionParquet, compressionOrc,
	compressionNone,
}

func unsupportedCompression(kind *compressionKind) error {
	return newError(KindUnsupportedCompression, "stage upload",
		"unsupported compression type %s", kind.name)
}

// lastExtension returns the text after the final dot. A name without a dot
// is returned whole.
func lastExtension(filename string) string {
	return filename[strings.LastIndexByte(filename, '.')+1:]
}

// compressionByExtension matches a filename extension, case-sensitively:
// ".Z" is compress, ".z" is nothing. Nil with a nil error means no match.
func compressionByExtension(ext string) (*compressionKind, error) {
	for _, kind := range compressionKinds {
		if kind.extension == "" || kind.extension != ext {
			continue
		}
		if !kind.supported {
			return nil, unsupportedCompression(kind)
		}
		return kind, nil
	}
	return nil, nil
}

// compressionByMagic probes the leading bytes of data against each kind's
// known signatures.
func compressionByMagic(data []byte) (*compressionKind, error) {
	for _, kind := range compressionKinds {
		for _, magic := range kind.magic {
			if !bytes.HasPrefix(data, magic) {
				continue
			}
			if !kind.supported {
				return nil, unsupportedCompression(kind)
			}
			return kind, nil
		}
	}
	return nil, nil
}

// detectCompression guesses a file's compression from its name, then from
// its content. Nil with a nil error means the file looks uncompressed.
func detectCompression(filename string, data []byte) (*compressionKind, error) {
	if kind, err := compressionByExtension(lastExtension(filename)); kind != nil || err != nil {
		return kind, err
	}
	return compressionByMagic(data)
}

// compressionByName resolves an explicit SOURCE_COMPRESSION value. The
// caller filters out the empty string and AUTO_DETECT before calling.
func compressionByName(name string) (*compressionKind, error) {
	for _, kind := range compressionKinds {
		if strings.EqualFold(kind.name, name) {
			if !kind.supported {
				return nil, unsupportedCompression(kind)
			}
			return kind, nil
		}
	}
	return nil, newError(KindUnsupportedCompression, "stage upload",
		"unknown compression type %q", name)
}

// compressionPlan is the per-file outcome of the AUTO_COMPRESS and
// SOURCE_COMPRESSION decision.
type compressionPlan struct {
	// gzipUpload means the pipeline compresses the payload before staging
	// and appends ".gz" to the remote name.
	gzipUpload bool
	source     *compressionKind
	target     *compressionKind
}

// planCompression decides what happens to one file's bytes on the way to
// the stage. Files that are already compressed in a supported format are
// staged verbatim; uncompressed files are gzipped when autoCompress is on;
// unsupported formats are rejected whether declared or detected.
func planCompression(filename string, data []byte, sourceCompression string, autoCompress bool) (compressionPlan, error) {
	var current *compressionKind
	if sourceCompression == "" || strings.EqualFold(sourceCompression, sourceCompressionAuto) {
		kind, err := detectCompression(filename, data)
		if err != nil {
			return compressionPlan{}, err
		}
		current = kind
	} else {
		kind, err := compressionByName(sourceCompression)
		if err != nil {
			return compressionPlan{}, err
		}
		if kind != compressionNone {
			current = kind
		}
	}

	if current != nil {
		return compressionPlan{source: current, target: current}, nil
	}
	if autoCompress {
		return compressionPlan{gzipUpload: true, source: compressionNone, target: compressionGzip}, nil
	}
	return compressionPlan{source: compressionNone, target: compressionNone}, nil
}

// gzipCompress rewrites data as a gzip stream with a normalized header: the
// mtime is zeroed and the name field is blanked to len(filename)+2 spaces,
// so staging the same bytes twice produces identical payloads.
func gzipCompress(data []byte, filename string) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	// The writer emits ModTime.Unix() as the header mtime; the epoch
	// makes that field zero.
	zw.ModTime = time.Unix(0, 0)
	zw.Name = strings.Repeat(" ", len(filename)+2)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress %s: %w", filename, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress %s: %w", filename, err)
	}
	return buf.Bytes(), nil
}

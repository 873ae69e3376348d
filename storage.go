package sfcore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Stage location types as the server names them.
const (
	stageLocationS3      = "S3"
	stageLocationAzure   = "AZURE"
	stageLocationGCS     = "GCS"
	stageLocationLocalFS = "LOCAL_FS"
)

const contentTypeOctetStream = "application/octet-stream"

// Canonical object metadata keys. Each backend translates these to
// whatever its store accepts; the transfer pipeline only ever sees the
// canonical names.
const (
	metaDigest  = "sfc-digest"
	metaKey     = "x-amz-key"
	metaIV      = "x-amz-iv"
	metaMatdesc = "x-amz-matdesc"
)

// stageBackend abstracts the object store behind a stage. Implementations
// exist for S3, Azure Blob Storage, Google Cloud Storage, and the local
// filesystem.
type stageBackend interface {
	// exists probes for an object without fetching it.
	exists(ctx context.Context, name string) (bool, error)

	// put stores payload under name together with its metadata.
	put(ctx context.Context, name string, payload []byte, meta map[string]string) error

	// get fetches an object and its metadata.
	get(ctx context.Context, name string) ([]byte, map[string]string, error)
}

// newStageBackend selects the backend named by the stage description the
// server returned with a PUT or GET statement.
func newStageBackend(client *Client, info *stageInfo) (stageBackend, error) {
	switch strings.ToUpper(info.LocationType) {
	case stageLocationS3:
		return newS3Backend(info)
	case stageLocationAzure:
		return newAzureBackend(info)
	case stageLocationGCS:
		return newGCSBackend(client, info)
	case stageLocationLocalFS:
		return newLocalBackend(info), nil
	default:
		return nil, newError(KindProtocol, "stage", "unsupported stage location type %q", info.LocationType)
	}
}

// splitStageLocation splits "bucket/prefix/of/keys/" into the bucket (or
// container) and the key prefix. The prefix keeps its trailing slash;
// object names are appended to it verbatim.
func splitStageLocation(location string) (string, string, error) {
	i := strings.IndexByte(location, '/')
	if i < 0 {
		return "", "", newError(KindProtocol, "stage", "invalid stage location format: %s", location)
	}
	return location[:i], location[i+1:], nil
}

// cryptoMetadataFrom extracts the encryption metadata a backend returned.
// Matching is case-insensitive because object stores do not preserve the
// case of metadata names.
func cryptoMetadataFrom(meta map[string]string) (fileCryptoMetadata, error) {
	lookup := func(want string) (string, bool) {
		for k, v := range meta {
			if strings.EqualFold(k, want) {
				return v, true
			}
		}
		return "", false
	}

	var out fileCryptoMetadata
	var ok bool
	if out.digest, ok = lookup(metaDigest); !ok {
		return out, newError(KindProtocol, "stage download", "missing %s metadata", metaDigest)
	}
	if out.key, ok = lookup(metaKey); !ok {
		return out, newError(KindProtocol, "stage download", "missing %s metadata", metaKey)
	}
	if out.iv, ok = lookup(metaIV); !ok {
		return out, newError(KindProtocol, "stage download", "missing %s metadata", metaIV)
	}
	if out.matdesc, ok = lookup(metaMatdesc); !ok {
		return out, newError(KindProtocol, "stage download", "missing %s metadata", metaMatdesc)
	}
	return out, nil
}

// writeFileAtomic stages data in a temporary file and renames it into
// place, so an interrupted download never leaves a truncated file under
// the final name.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// --- Local filesystem stage ---

// localBackend serves LOCAL_FS stages, which are plain directories. No
// metadata survives a round trip, so local stages never carry encrypted
// payloads.
type localBackend struct {
	dir string
}

func newLocalBackend(info *stageInfo) *localBackend {
	return &localBackend{dir: info.Location}
}

func (b *localBackend) exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(b.dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *localBackend) put(_ context.Context, name string, payload []byte, _ map[string]string) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(b.dir, name), payload)
}

func (b *localBackend) get(_ context.Context, name string) ([]byte, map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}

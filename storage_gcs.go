package sfcore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	gcsDefaultEndpoint = "storage.googleapis.com"
	gcsMetaPrefix      = "x-goog-meta-"
)

// gcsBackend serves GCS stages over the driver's own HTTP core. Google
// accepts a plain bearer token or a presigned URL, so stage traffic rides
// the same retry executor as everything else.
type gcsBackend struct {
	client      *Client
	bucket      string
	prefix      string
	endpoint    string
	accessToken string
	presigned   string
}

func newGCSBackend(client *Client, info *stageInfo) (*gcsBackend, error) {
	bucket, prefix, err := splitStageLocation(info.Location)
	if err != nil {
		return nil, err
	}
	b := &gcsBackend{
		client:      client,
		bucket:      bucket,
		prefix:      prefix,
		endpoint:    info.EndPoint,
		accessToken: info.Creds.GCSAccessToken,
		presigned:   info.PresignedURL,
	}
	if b.endpoint == "" {
		b.endpoint = gcsDefaultEndpoint
	}
	if !strings.Contains(b.endpoint, "://") {
		b.endpoint = "https://" + b.endpoint
	}
	if b.accessToken == "" && b.presigned == "" {
		return nil, newError(KindProtocol, "stage",
			"GCS stage carries neither an access token nor a presigned URL")
	}
	return b, nil
}

// objectURL builds the storage URL for one object. The full object name is
// query-escaped as a single path segment; GCS treats object names as
// opaque, slashes included.
func (b *gcsBackend) objectURL(name string) string {
	if b.accessToken == "" {
		return b.presigned
	}
	return fmt.Sprintf("%s/%s/%s", b.endpoint, b.bucket, url.QueryEscape(b.prefix+name))
}

func (b *gcsBackend) authorize(req *http.Request) {
	if b.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.accessToken)
	}
}

func (b *gcsBackend) exists(ctx context.Context, name string) (bool, error) {
	if b.accessToken == "" {
		// A presigned URL performs only the verb it was signed for, so
		// there is nothing to probe with.
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.objectURL(name), nil)
	if err != nil {
		return false, wrapError(KindConfiguration, "stage request", err)
	}
	b.authorize(req)

	resp, err := b.client.doRaw(req, newCallContext(http.MethodHead))
	if err == nil {
		resp.Body.Close()
		return true, nil
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (b *gcsBackend) put(ctx context.Context, name string, payload []byte, meta map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.objectURL(name), bytes.NewReader(payload))
	if err != nil {
		return wrapError(KindConfiguration, "stage request", err)
	}
	b.authorize(req)
	req.Header.Set("Content-Type", contentTypeOctetStream)
	for k, v := range meta {
		req.Header.Set(gcsMetaPrefix+k, v)
	}

	resp, err := b.client.doRaw(req, newCallContext(http.MethodPut))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (b *gcsBackend) get(ctx context.Context, name string) ([]byte, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(name), nil)
	if err != nil {
		return nil, nil, wrapError(KindConfiguration, "stage request", err)
	}
	b.authorize(req)

	resp, err := b.client.doRaw(req, newCallContext(http.MethodGet))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, wrapError(KindNetwork, "stage download", err)
	}

	meta := make(map[string]string)
	for _, key := range []string{metaDigest, metaKey, metaIV, metaMatdesc} {
		if v := resp.Header.Get(gcsMetaPrefix + key); v != "" {
			meta[key] = v
		}
	}
	return data, meta, nil
}

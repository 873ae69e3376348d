package sfcore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

const azureDefaultEndpoint = "blob.core.windows.net"

// azureMetaNames maps canonical metadata keys to the names used on Azure,
// which rejects metadata keys containing dashes.
var azureMetaNames = map[string]string{
	metaDigest:  "sfcdigest",
	metaKey:     "key",
	metaIV:      "iv",
	metaMatdesc: "matdesc",
}

// azureAPI is the slice of the azblob client the backend calls. Tests
// substitute a fake; production code wraps *azblob.Client.
type azureAPI interface {
	UploadBuffer(ctx context.Context, container, name string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, container, name string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	Properties(ctx context.Context, container, name string) error
}

// azureClient adapts *azblob.Client to azureAPI.
type azureClient struct {
	client *azblob.Client
}

func (c azureClient) UploadBuffer(ctx context.Context, container, name string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	return c.client.UploadBuffer(ctx, container, name, buffer, o)
}

func (c azureClient) DownloadStream(ctx context.Context, container, name string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	return c.client.DownloadStream(ctx, container, name, o)
}

func (c azureClient) Properties(ctx context.Context, container, name string) error {
	_, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(name).GetProperties(ctx, nil)
	return err
}

// azureBackend serves AZURE stages through the SAS token the server issued
// with the transfer command.
type azureBackend struct {
	api       azureAPI
	container string
	prefix    string
}

func newAzureBackend(info *stageInfo) (*azureBackend, error) {
	container, prefix, err := splitStageLocation(info.Location)
	if err != nil {
		return nil, err
	}

	endpoint := info.EndPoint
	if endpoint == "" {
		endpoint = azureDefaultEndpoint
	}
	sas := strings.TrimPrefix(info.Creds.AzureSASToken, "?")
	serviceURL := fmt.Sprintf("https://%s.%s/?%s", info.StorageAccount, endpoint, sas)

	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, wrapError(KindConfiguration, "stage", err)
	}
	return &azureBackend{api: azureClient{client: client}, container: container, prefix: prefix}, nil
}

func (b *azureBackend) exists(ctx context.Context, name string) (bool, error) {
	err := b.api.Properties(ctx, b.container, b.prefix+name)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, wrapError(KindNetwork, "stage probe", err)
}

func (b *azureBackend) put(ctx context.Context, name string, payload []byte, meta map[string]string) error {
	contentType := contentTypeOctetStream
	_, err := b.api.UploadBuffer(ctx, b.container, b.prefix+name, payload, &azblob.UploadBufferOptions{
		Metadata:    toAzureMeta(meta),
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return wrapError(KindNetwork, "stage upload", err)
	}
	return nil
}

func (b *azureBackend) get(ctx context.Context, name string) ([]byte, map[string]string, error) {
	resp, err := b.api.DownloadStream(ctx, b.container, b.prefix+name, nil)
	if err != nil {
		return nil, nil, wrapError(KindNetwork, "stage download", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, wrapError(KindNetwork, "stage download", err)
	}
	return data, fromAzureMeta(resp.Metadata), nil
}

func toAzureMeta(meta map[string]string) map[string]*string {
	out := make(map[string]*string, len(meta))
	for k, v := range meta {
		name := k
		if azureName, ok := azureMetaNames[k]; ok {
			name = azureName
		}
		out[name] = &v
	}
	return out
}

// fromAzureMeta restores canonical metadata names. The SDK canonicalizes
// key case on the way back, so matching is case-insensitive.
func fromAzureMeta(meta map[string]*string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		name := k
		for canonical, azureName := range azureMetaNames {
			if strings.EqualFold(azureName, k) {
				name = canonical
				break
			}
		}
		out[name] = *v
	}
	return out
}

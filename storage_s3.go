package sfcore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the slice of the S3 client the backend calls. Tests substitute
// a fake; production code passes *s3.Client.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Backend serves S3 stages using the scoped, temporary credentials the
// server issued with the transfer command.
type s3Backend struct {
	api    s3API
	bucket string
	prefix string
}

func newS3Backend(info *stageInfo) (*s3Backend, error) {
	bucket, prefix, err := splitStageLocation(info.Location)
	if err != nil {
		return nil, err
	}

	opts := s3.Options{
		Region: info.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			info.Creds.AWSKeyID, info.Creds.AWSSecretKey, info.Creds.AWSToken,
		),
	}
	if info.EndPoint != "" {
		endpoint := info.EndPoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	return &s3Backend{api: s3.New(opts), bucket: bucket, prefix: prefix}, nil
}

func (b *s3Backend) key(name string) string {
	return b.prefix + name
}

func (b *s3Backend) exists(ctx context.Context, name string) (bool, error) {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, wrapError(KindNetwork, "stage probe", err)
}

func (b *s3Backend) put(ctx context.Context, name string, payload []byte, meta map[string]string) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(name)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentTypeOctetStream),
		Metadata:    meta,
	})
	if err != nil {
		return wrapError(KindNetwork, "stage upload", err)
	}
	return nil
}

func (b *s3Backend) get(ctx context.Context, name string) ([]byte, map[string]string, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return nil, nil, wrapError(KindNetwork, "stage download", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, wrapError(KindNetwork, "stage download", err)
	}
	return data, out.Metadata, nil
}

//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratofs/stratofs/pkg/block"
	"github.com/stratofs/stratofs/pkg/block/blockdev"
	"github.com/stratofs/stratofs/pkg/block/store"
)

const (
	blockSize  = 512
	blockCount = 64
)

// setupTestS3 connects to Localstack (or another S3-compatible
// endpoint) and creates a throwaway bucket.
func setupTestS3(t *testing.T, bucketName string) (*s3.Client, func()) {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	//nolint:staticcheck // endpoint resolver options are the stable way to point at Localstack
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "",
		)),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)})
	require.NoError(t, err, "is Localstack running at %s?", endpoint)

	cleanup := func() {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucketName)})
		if err == nil {
			for _, obj := range out.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucketName),
					Key:    obj.Key,
				})
			}
		}
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucketName)})
	}
	return client, cleanup
}

// TestS3BackedDevice pushes blocks through the full FIFO path into S3
// and reads them back, including never-written blocks as zeros.
func TestS3BackedDevice(t *testing.T) {
	bucket := fmt.Sprintf("stratofs-it-%d", time.Now().UnixNano())
	s3Client, cleanup := setupTestS3(t, bucket)
	defer cleanup()

	backing, err := store.NewS3Store(context.Background(), store.S3StoreConfig{
		Client:     s3Client,
		Bucket:     bucket,
		KeyPrefix:  "blocks/",
		BlockSize:  blockSize,
		BlockCount: blockCount,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, backing.Close()) }()

	dev := blockdev.New(blockdev.Config{
		Store:           backing,
		TopologicalPath: "/dev/sys/platform/stratofs/block",
	})
	defer dev.Close()

	client, err := block.NewClient(dev)
	require.NoError(t, err)
	defer client.Close()

	vmo := block.NewBufferVmo(2 * blockSize)
	vmoid, err := client.AttachVmo(vmo)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x9e}, 2*blockSize)
	require.NoError(t, vmo.WriteAt(payload, 0))
	require.NoError(t, client.Transaction([]block.Request{
		{Opcode: block.OpWrite, Vmoid: vmoid, Length: 2, VmoOffset: 0, DevOffset: 3},
		{Opcode: block.OpFlush},
	}))

	first, err := client.ReadBlock(3)
	require.NoError(t, err)
	second, err := client.ReadBlock(4)
	require.NoError(t, err)
	assert.Equal(t, payload, append(first, second...))

	// Blocks never written have no object behind them and read as zeros.
	zero, err := client.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, blockSize), zero)
}

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stratofs/stratofs/pkg/status"
)

// S3Store persists blocks as S3 objects, one object per block index.
// Missing objects read back as zeros. S3 has no partial writes, so the
// one-object-per-block layout keeps every WriteAt a plain PutObject
// with no read-modify-write cycle.
//
// Concurrent writes to the same block are last-write-wins, matching
// block-device semantics.
type S3Store struct {
	client     *s3.Client
	bucket     string
	keyPrefix  string
	blockSize  uint32
	blockCount uint64
}

// S3StoreConfig configures an S3-backed store.
type S3StoreConfig struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name. Must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	// Example: "stratofs/blocks/" results in keys like
	// "stratofs/blocks/0000000000000001".
	KeyPrefix string

	// BlockSize is the block size in bytes.
	BlockSize uint32

	// BlockCount is the device size in blocks.
	BlockCount uint64
}

// NewS3Store validates the configuration and verifies bucket access.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.BlockSize == 0 || cfg.BlockCount == 0 {
		return nil, status.Errorf(status.InvalidArgument, "zero block size or count")
	}

	s := &S3Store{
		client:     cfg.Client,
		bucket:     cfg.Bucket,
		keyPrefix:  cfg.KeyPrefix,
		blockSize:  cfg.BlockSize,
		blockCount: cfg.BlockCount,
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", s.bucket, err)
	}
	return s, nil
}

func (s *S3Store) BlockSize() uint32  { return s.blockSize }
func (s *S3Store) BlockCount() uint64 { return s.blockCount }

func (s *S3Store) blockKey(index uint64) string {
	return fmt.Sprintf("%s%016x", s.keyPrefix, index)
}

func (s *S3Store) ReadAt(ctx context.Context, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(s.blockSize, s.blockCount, len(p), off); err != nil {
		return err
	}

	bs := uint64(s.blockSize)
	first := off / bs
	count := uint64(len(p)) / bs

	for i := uint64(0); i < count; i++ {
		dst := p[i*bs : (i+1)*bs]
		if err := s.readBlock(ctx, first+i, dst); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) readBlock(ctx context.Context, index uint64, dst []byte) error {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blockKey(index)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			for j := range dst {
				dst[j] = 0
			}
			return nil
		}
		return fmt.Errorf("failed to read block %d from S3: %w", index, err)
	}
	defer result.Body.Close()

	if _, err := io.ReadFull(result.Body, dst); err != nil {
		return fmt.Errorf("short read of block %d from S3: %w", index, err)
	}
	return nil
}

func (s *S3Store) WriteAt(ctx context.Context, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(s.blockSize, s.blockCount, len(p), off); err != nil {
		return err
	}

	bs := uint64(s.blockSize)
	first := off / bs
	count := uint64(len(p)) / bs

	for i := uint64(0); i < count; i++ {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.blockKey(first + i)),
			Body:   bytes.NewReader(p[i*bs : (i+1)*bs]),
		})
		if err != nil {
			return fmt.Errorf("failed to write block %d to S3: %w", first+i, err)
		}
	}
	return nil
}

// Flush is a no-op: PutObject is durable on return.
func (s *S3Store) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (s *S3Store) Close() error {
	return nil
}

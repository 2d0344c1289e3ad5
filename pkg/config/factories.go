package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/stratofs/stratofs/internal/logger"
	"github.com/stratofs/stratofs/pkg/block/store"
)

// CreateBlockStore builds the configured persistence backend. The Type
// discriminator selects the implementation; the matching options map is
// decoded into that implementation's own config.
func CreateBlockStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return store.NewMemoryStore(cfg.Device.BlockSize, cfg.Device.BlockCount)
	case "badger":
		return createBadgerStore(ctx, cfg)
	case "s3":
		return createS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown block store type: %q (supported: memory, badger, s3)", cfg.Store.Type)
	}
}

func createBadgerStore(ctx context.Context, cfg *Config) (store.Store, error) {
	type BadgerOptions struct {
		Path string `mapstructure:"path"`
	}
	var opts BadgerOptions
	if err := mapstructure.Decode(cfg.Store.Badger, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("badger store: path is required")
	}

	s, err := store.NewBadgerStore(ctx, store.BadgerStoreConfig{
		DBPath:     opts.Path,
		BlockSize:  cfg.Device.BlockSize,
		BlockCount: cfg.Device.BlockCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}
	logger.Info("badger block store initialized: path=%s blocks=%d", opts.Path, cfg.Device.BlockCount)
	return s, nil
}

func createS3Store(ctx context.Context, cfg *Config) (store.Store, error) {
	type S3Options struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}
	var opts S3Options
	if err := mapstructure.Decode(cfg.Store.S3, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode s3 store config: %w", err)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 store: region is required")
	}

	client, err := buildS3Client(ctx, opts.Region, opts.Endpoint, opts.AccessKeyID, opts.SecretAccessKey, opts.MaxRetries)
	if err != nil {
		return nil, err
	}

	s, err := store.NewS3Store(ctx, store.S3StoreConfig{
		Client:     client,
		Bucket:     opts.Bucket,
		KeyPrefix:  opts.KeyPrefix,
		BlockSize:  cfg.Device.BlockSize,
		BlockCount: cfg.Device.BlockCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 store: %w", err)
	}
	logger.Info("s3 block store initialized: bucket=%s region=%s prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)
	return s, nil
}

// buildS3Client assembles an S3 client, with a custom endpoint for
// S3-compatible services (MinIO, Localstack) and optional static
// credentials.
func buildS3Client(ctx context.Context, region, endpoint, accessKey, secretKey string, maxRetries int) (*s3.Client, error) {
	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(region),
	}

	if endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	if accessKey != "" && secretKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack compatibility.
		if endpoint != "" {
			o.UsePathStyle = true
		}
	}), nil
}

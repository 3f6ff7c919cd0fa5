package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/manifest"
)

// ObjectAPI abstracts the S3 operations the store needs, for testing
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config selects the bucket release archives are stored in. A zero Config
// disables archiving entirely.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-AWS stores (MinIO, Storj, R2) set their own endpoint
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool // most non-AWS stores want path-style addressing
}

// Enabled reports whether archiving is configured
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// Store persists release archives and their signed manifests in an
// S3-compatible bucket under {prefix}/{site}/{env}/{release}.tar.gz.
type Store struct {
	client ObjectAPI
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewStore creates a store from config, using the default AWS credential
// chain unless static credentials are supplied.
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewStoreWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewStoreWithClient creates a store with an injected client
func NewStoreWithClient(client ObjectAPI, bucket, prefix string, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With().Str("service", "archive_store").Logger(),
	}
}

// SaveInput describes one release archive
type SaveInput struct {
	Site      string
	Env       string
	ReleaseID string
	Root      string             // local tree the manifest was scanned from
	Manifest  *manifest.Manifest // file set to archive
	Signer    *Signer            // nil leaves the manifest unsigned
}

// Save builds the tar.gz, stores it with the manifest JSON (and signature,
// when signing is configured) alongside, and returns the archive URL.
func (s *Store) Save(ctx context.Context, in SaveInput) (string, error) {
	logger := s.logger.With().
		Str("site", in.Site).
		Str("env", in.Env).
		Str("release_id", in.ReleaseID).
		Logger()

	tmp, err := os.CreateTemp("", "ftp-deployer-archive-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create archive scratch file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := Build(ctx, in.Root, in.Manifest, tmp); err != nil {
		return "", fmt.Errorf("failed to build archive: %w", err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("failed to measure archive: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	archiveKey := s.key(in.Site, in.Env, in.ReleaseID+".tar.gz")
	if err := s.put(ctx, archiveKey, tmp, "application/gzip"); err != nil {
		return "", err
	}

	encoded, err := in.Manifest.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.put(ctx, s.manifestKey(in.Site, in.Env, in.ReleaseID), bytes.NewReader(encoded), "application/json"); err != nil {
		return "", err
	}

	if in.Signer != nil {
		sig := in.Signer.Sign(encoded)
		if err := s.put(ctx, s.signatureKey(in.Site, in.Env, in.ReleaseID), bytes.NewReader(sig), "application/octet-stream"); err != nil {
			return "", err
		}
	}

	logger.Info().
		Str("bucket", s.bucket).
		Str("key", archiveKey).
		Int64("bytes", size).
		Bool("signed", in.Signer != nil).
		Msg("stored release archive")

	return fmt.Sprintf("s3://%s/%s", s.bucket, archiveKey), nil
}

// FetchManifest returns the stored manifest JSON and its signature. The
// signature is nil when the release was archived unsigned.
func (s *Store) FetchManifest(ctx context.Context, site, env, releaseID string) ([]byte, []byte, error) {
	encoded, err := s.get(ctx, s.manifestKey(site, env, releaseID))
	if err != nil {
		return nil, nil, err
	}

	sig, err := s.get(ctx, s.signatureKey(site, env, releaseID))
	if err != nil {
		if IsNotFound(err) {
			return encoded, nil, nil
		}
		return nil, nil, err
	}
	return encoded, sig, nil
}

// Open streams the stored archive
func (s *Store) Open(ctx context.Context, site, env, releaseID string) (io.ReadCloser, error) {
	key := s.key(site, env, releaseID+".tar.gz")
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archive %s: %w", key, err)
	}
	return output.Body, nil
}

// Restore extracts the stored archive into dest
func (s *Store) Restore(ctx context.Context, site, env, releaseID, dest string) error {
	body, err := s.Open(ctx, site, env, releaseID)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := Extract(body, dest); err != nil {
		return fmt.Errorf("failed to restore archive for %s: %w", releaseID, err)
	}

	s.logger.Info().
		Str("release_id", releaseID).
		Str("dest", dest).
		Msg("restored release archive")
	return nil
}

func (s *Store) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) manifestKey(site, env, releaseID string) string {
	return s.key(site, env, releaseID+".manifest.json")
}

func (s *Store) signatureKey(site, env, releaseID string) string {
	return s.key(site, env, releaseID+".manifest.sig")
}

func (s *Store) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// IsNotFound reports whether err is the store's missing-object error
func IsNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

package share

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// s3API is the subset of the S3 client the store uses
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures an S3Store
type S3Options struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Store keeps one JSON object per share in an S3 bucket. Inserts use
// If-None-Match and updates use If-Match on the ETag, so the bucket itself
// arbitrates concurrent writers.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	ready  atomic.Bool
	// codeMu keeps writers in this process from racing each other for the ETag
	codeMu *keyMutex
}

// NewS3Store creates an S3-backed share store and checks the bucket is reachable
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket '%s': %w", opts.Bucket, err)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": opts.Bucket,
		"region": opts.Region,
		"prefix": opts.Prefix,
	}).Info("S3 share store initialized")

	return newS3Store(client, opts.Bucket, opts.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	store := &S3Store{client: client, bucket: bucket, prefix: prefix, codeMu: newKeyMutex()}
	store.ready.Store(true)
	return store
}

func (s *S3Store) shareKey(code string) string {
	return s.prefix + "shares/" + code + ".json"
}

func (s *S3Store) retiredKey(code string) string {
	return s.prefix + "retired/" + code
}

// get returns the share with the ETag of the object it was read from
func (s *S3Store) get(ctx context.Context, code string) (*Share, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.shareKey(code)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, "", ErrShareNotFound
		}
		return nil, "", fmt.Errorf("failed to get share object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read share object: %w", err)
	}

	var share Share
	if err := json.Unmarshal(data, &share); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal share: %w", err)
	}
	return &share, aws.ToString(out.ETag), nil
}

// put writes the share. An empty etag means create-only.
func (s *S3Store) put(ctx context.Context, share *Share, etag string) error {
	data, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to marshal share: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.shareKey(share.Code)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if etag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(etag)
	}

	_, err = s.client.PutObject(ctx, input)
	return err
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object: %w", err)
	}
	return true, nil
}

func (s *S3Store) FindByCode(ctx context.Context, code string) (*Share, error) {
	share, _, err := s.get(ctx, code)
	return share, err
}

func (s *S3Store) ExistsByCode(ctx context.Context, code string) (bool, error) {
	live, err := s.exists(ctx, s.shareKey(code))
	if err != nil || live {
		return live, err
	}
	return s.exists(ctx, s.retiredKey(code))
}

func (s *S3Store) Save(ctx context.Context, share *Share) (*Share, error) {
	unlock := s.codeMu.Lock(share.Code)
	defer unlock()

	stored := share.Clone()

	if stored.ID == "" {
		retired, err := s.exists(ctx, s.retiredKey(stored.Code))
		if err != nil {
			return nil, err
		}
		if retired {
			return nil, ErrDuplicateCode
		}

		stored.ID = uuid.New().String()
		stored.Version = 1
		if err := s.put(ctx, stored, ""); err != nil {
			if isS3PreconditionFailed(err) {
				return nil, ErrDuplicateCode
			}
			return nil, fmt.Errorf("failed to insert share: %w", err)
		}
		return stored, nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		existing, etag, err := s.get(ctx, stored.Code)
		if errors.Is(err, ErrShareNotFound) {
			retired, rerr := s.exists(ctx, s.retiredKey(stored.Code))
			if rerr != nil {
				return nil, rerr
			}
			if retired {
				return nil, ErrDuplicateCode
			}
			return nil, ErrShareNotFound
		}
		if err != nil {
			return nil, err
		}
		if existing.ID != stored.ID {
			return nil, ErrDuplicateCode
		}

		stored.Version = existing.Version + 1
		err = s.put(ctx, stored, etag)
		if isS3PreconditionFailed(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update share: %w", err)
		}
		return stored, nil
	}

	return nil, fmt.Errorf("failed to update share after %d attempts: %w", maxUpdateRetries, errVersionConflict)
}

func (s *S3Store) Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error) {
	unlock := s.codeMu.Lock(code)
	defer unlock()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		current, etag, err := s.get(ctx, code)
		if err != nil {
			return nil, err
		}

		working := current.Clone()
		if err := fn(working); err != nil {
			return nil, err
		}
		working.ID = current.ID
		working.Code = current.Code
		working.Version = current.Version + 1

		err = s.put(ctx, working, etag)
		if isS3PreconditionFailed(err) {
			logrus.WithField("attempt", attempt+1).Debug("Share object changed during update, retrying")
			continue
		}
		if isS3NotFound(err) {
			return nil, ErrShareNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update share: %w", err)
		}
		return working, nil
	}

	return nil, fmt.Errorf("failed to update share after %d attempts: %w", maxUpdateRetries, errVersionConflict)
}

func (s *S3Store) Delete(ctx context.Context, share *Share) error {
	unlock := s.codeMu.Lock(share.Code)
	defer unlock()

	live, err := s.exists(ctx, s.shareKey(share.Code))
	if err != nil {
		return err
	}
	if !live {
		return ErrShareNotFound
	}
	return s.retire(ctx, share.Code, time.Now().UTC())
}

// retire writes the tombstone before removing the record so the code is
// never free in between
func (s *S3Store) retire(ctx context.Context, code string, at time.Time) error {
	stamp, _ := at.MarshalText()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.retiredKey(code)),
		Body:        bytes.NewReader(stamp),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("failed to retire code: %w", err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.shareKey(code)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete share object: %w", err)
	}
	return nil
}

func (s *S3Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	listPrefix := s.prefix + "shares/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("failed to list share objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			code := strings.TrimSuffix(strings.TrimPrefix(key, listPrefix), ".json")

			share, _, err := s.get(ctx, code)
			if errors.Is(err, ErrShareNotFound) {
				continue
			}
			if err != nil {
				return removed, err
			}
			// inactive and expired are terminal, so a racing update cannot revive it
			if !share.reclaimable(now) {
				continue
			}

			if err := s.retire(ctx, code, now); err != nil {
				return removed, err
			}
			removed++
		}
	}

	return removed, nil
}

func (s *S3Store) IsReady() bool {
	return s.ready.Load()
}

func (s *S3Store) Close() error {
	s.ready.Store(false)
	return nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
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

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

var _ Store = (*S3Store)(nil)

package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/picklr-io/fleetform/internal/awsutil"
	"github.com/picklr-io/fleetform/internal/ir"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps one object per node under a key prefix. Object ETags guard
// the compare-and-swap: creates use If-None-Match and updates/deletes use
// If-Match against the ETag observed when the version was read.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	codec  codec
}

// S3Options configures NewS3Store.
type S3Options struct {
	Bucket  string
	Prefix  string
	Region  string
	Profile string
}

func NewS3Store(ctx context.Context, opts S3Options, cipher *Cipher) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 state requires 'bucket' configuration")
	}
	cfg, err := awsutil.LoadConfig(ctx, opts.Region, opts.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 state: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), opts.Bucket, opts.Prefix, cipher), nil
}

func NewS3StoreWithClient(client S3API, bucket, prefix string, cipher *Cipher) *S3Store {
	if prefix == "" {
		prefix = "fleetform/state/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, codec: codec{cipher: cipher}}
}

func (s *S3Store) key(id string) string {
	return s.prefix + url.PathEscape(id) + ".json"
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return awsutil.IsCode(err, "NoSuchKey", "NotFound")
}

func isS3PreconditionFailed(err error) bool {
	return awsutil.IsCode(err, "PreconditionFailed", "ConditionalRequestConflict")
}

// fetch returns the record and its ETag; nil and "" when absent.
func (s *S3Store) fetch(ctx context.Context, key string) (*ir.ActualState, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read S3 object body: %w", err)
	}
	st, err := s.codec.decode(body)
	if err != nil {
		return nil, "", err
	}
	return st, aws.ToString(out.ETag), nil
}

func (s *S3Store) Read(ctx context.Context, id string) (*ir.ActualState, error) {
	st, _, err := s.fetch(ctx, s.key(id))
	return st, err
}

func (s *S3Store) conflictFromStore(ctx context.Context, id string, expected int64) error {
	current, _, err := s.fetch(ctx, s.key(id))
	if err != nil {
		return err
	}
	var actual int64
	if current != nil {
		actual = current.Version
	}
	return conflict(id, expected, actual)
}

func (s *S3Store) Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error) {
	key := s.key(id)
	prev, etag, err := s.fetch(ctx, key)
	if err != nil {
		return 0, err
	}
	var current int64
	if prev != nil {
		current = prev.Version
	}
	if current != expectedVersion {
		return 0, conflict(id, expectedVersion, current)
	}

	next := expectedVersion + 1
	payload, err := s.codec.encode(stamp(id, st, next))
	if err != nil {
		return 0, err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	}
	if prev == nil {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(etag)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		if isS3PreconditionFailed(err) {
			return 0, s.conflictFromStore(ctx, id, expectedVersion)
		}
		return 0, fmt.Errorf("failed to write s3://%s/%s: %w", s.bucket, key, err)
	}
	return next, nil
}

func (s *S3Store) Delete(ctx context.Context, id string, expectedVersion int64) error {
	key := s.key(id)
	prev, etag, err := s.fetch(ctx, key)
	if err != nil {
		return err
	}
	var current int64
	if prev != nil {
		current = prev.Version
	}
	if current != expectedVersion {
		return conflict(id, expectedVersion, current)
	}
	if prev == nil {
		return nil
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		if isS3PreconditionFailed(err) {
			return s.conflictFromStore(ctx, id, expectedVersion)
		}
		return fmt.Errorf("failed to delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]*ir.ActualState, error) {
	var out []*ir.ActualState
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			st, _, err := s.fetch(ctx, aws.ToString(obj.Key))
			if err != nil {
				return nil, err
			}
			if st != nil {
				out = append(out, st)
			}
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *S3Store) Close() error { return nil }

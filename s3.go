package cbt

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// S3Storage keeps objects in a bucket, optionally below a directory.
type S3Storage struct {
	log      hclog.Logger
	sc       *s3.Client
	uploader *manager.Uploader
	bucket   string
	dir      string
}

var _ Storage = (*S3Storage)(nil)

func NewS3Storage(log hclog.Logger, host, bucket, dir string, cfg aws.Config) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("s3 storage requires a bucket")
	}

	sc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if host != "" {
			o.BaseEndpoint = &host
		}
	})

	return &S3Storage{
		log:      log.Named("s3"),
		sc:       sc,
		uploader: manager.NewUploader(sc),
		bucket:   bucket,
		dir:      strings.Trim(dir, "/"),
	}, nil
}

func (s *S3Storage) key(name string) string {
	if s.dir == "" {
		return name
	}

	return path.Join(s.dir, name)
}

func isNoSuchKey(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}

	return false
}

var errUploadAborted = errors.New("upload aborted")

// s3Writer streams into a running upload. The uploader reads the pipe in
// parts and holds at most a few of them in memory.
type s3Writer struct {
	key string
	pw  *io.PipeWriter

	done   chan struct{}
	err    error
	closed bool
}

func newS3Writer(ctx context.Context, uploader *manager.Uploader, bucket, key string) *s3Writer {
	pr, pw := io.Pipe()

	w := &s3Writer{
		key:  key,
		pw:   pw,
		done: make(chan struct{}),
	}

	go func() {
		defer close(w.done)

		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &bucket,
			Key:    &key,
			Body:   pr,
		})

		// Unblock writers if the upload stopped reading early.
		pr.CloseWithError(err)

		w.err = err
	}()

	return w
}

func (w *s3Writer) Write(b []byte) (int, error) {
	n, err := w.pw.Write(b)
	if err != nil {
		return n, errors.Wrapf(err, "uploading %s", w.key)
	}

	return n, nil
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	w.pw.Close()
	<-w.done

	return errors.Wrapf(w.err, "uploading %s", w.key)
}

// Abort fails the upload. The uploader discards what it has sent and no
// object is created.
func (w *s3Writer) Abort(err error) error {
	if w.closed {
		return nil
	}

	w.closed = true

	if err == nil {
		err = errUploadAborted
	}

	w.pw.CloseWithError(err)
	<-w.done

	return nil
}

// Create starts an upload of name that completes when the writer is closed.
func (s *S3Storage) Create(ctx context.Context, name string) (ObjectWriter, error) {
	key := s.key(name)

	s.log.Debug("creating object", "bucket", s.bucket, "key", key)

	return newS3Writer(ctx, s.uploader, s.bucket, key), nil
}

func (s *S3Storage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.key(name)

	out, err := s.sc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errors.Wrapf(ErrNotFound, "opening %s", name)
		}

		return nil, errors.Wrapf(err, "opening %s", name)
	}

	return out.Body, nil
}

func (s *S3Storage) Remove(ctx context.Context, name string) error {
	key := s.key(name)

	_, err := s.sc.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})

	return errors.Wrapf(err, "removing %s", name)
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		token *string
		names []string

		per = int32(100)
		pre = s.key(prefix)
	)

	if s.dir != "" && prefix == "" {
		pre = s.dir + "/"
	}

	for {
		out, err := s.sc.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &pre,
			ContinuationToken: token,
			MaxKeys:           &per,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", pre)
		}

		for _, c := range out.Contents {
			name := *c.Key
			if s.dir != "" {
				name = strings.TrimPrefix(name, s.dir+"/")
			}

			names = append(names, name)
		}

		token = out.NextContinuationToken
		if token == nil {
			break
		}
	}

	sort.Strings(names)

	return names, nil
}

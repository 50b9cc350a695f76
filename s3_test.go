package cbt

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, st Storage) {
	ctx := context.Background()

	t.Run("reads back a created object", func(t *testing.T) {
		r := require.New(t)

		w, err := st.Create(ctx, "runs/a/blocks")
		r.NoError(err)

		fmt.Fprintln(w, "these are blocks")
		r.NoError(w.Close())

		defer st.Remove(ctx, "runs/a/blocks")

		rc, err := st.Open(ctx, "runs/a/blocks")
		r.NoError(err)
		defer rc.Close()

		data, err := io.ReadAll(rc)
		r.NoError(err)

		r.Equal("these are blocks\n", string(data))
	})

	t.Run("missing objects are not found", func(t *testing.T) {
		r := require.New(t)

		_, err := st.Open(ctx, "runs/missing")
		r.ErrorIs(err, ErrNotFound)
	})

	t.Run("lists objects by prefix", func(t *testing.T) {
		r := require.New(t)

		for _, name := range []string{"runs/b/manifest.json", "runs/b/blocks", "runs/c/blocks"} {
			w, err := st.Create(ctx, name)
			r.NoError(err)
			r.NoError(w.Close())

			defer st.Remove(ctx, name)
		}

		names, err := st.List(ctx, "runs/b/")
		r.NoError(err)

		r.Equal([]string{"runs/b/blocks", "runs/b/manifest.json"}, names)
	})

	t.Run("removed objects are gone", func(t *testing.T) {
		r := require.New(t)

		w, err := st.Create(ctx, "runs/d/blocks")
		r.NoError(err)
		r.NoError(w.Close())

		r.NoError(st.Remove(ctx, "runs/d/blocks"))

		_, err = st.Open(ctx, "runs/d/blocks")
		r.ErrorIs(err, ErrNotFound)
	})

	t.Run("aborted objects are not stored", func(t *testing.T) {
		r := require.New(t)

		w, err := st.Create(ctx, "runs/e/blocks")
		r.NoError(err)

		fmt.Fprintln(w, "partial blocks")
		r.NoError(w.Abort(nil))
		r.NoError(w.Close())

		_, err = st.Open(ctx, "runs/e/blocks")
		r.ErrorIs(err, ErrNotFound)

		names, err := st.List(ctx, "runs/e/")
		r.NoError(err)
		r.Empty(names)
	})
}

// fakeUploads records the requests an Uploader makes.
type fakeUploads struct {
	mu sync.Mutex

	puts      map[string][]byte
	parts     int
	completed int
	aborted   int
}

func (f *fakeUploads) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.puts[*in.Key] = data

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploads) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.parts++

	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", *in.PartNumber))}, nil
}

func (f *fakeUploads) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeUploads) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completed++

	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeUploads) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.aborted++

	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Writer(t *testing.T) {
	ctx := context.Background()

	t.Run("streams small objects in one put", func(t *testing.T) {
		r := require.New(t)

		fake := &fakeUploads{puts: map[string][]byte{}}

		w := newS3Writer(ctx, manager.NewUploader(fake), "b", "runs/a/blocks")

		fmt.Fprint(w, "these ")
		fmt.Fprint(w, "are blocks")
		r.NoError(w.Close())

		r.Equal("these are blocks", string(fake.puts["runs/a/blocks"]))
	})

	t.Run("large objects are sent in parts", func(t *testing.T) {
		r := require.New(t)

		fake := &fakeUploads{puts: map[string][]byte{}}

		w := newS3Writer(ctx, manager.NewUploader(fake), "b", "runs/a/blocks")

		block := make([]byte, BlockSize)
		for i := int64(0); i < 2*manager.MinUploadPartSize/BlockSize+1; i++ {
			_, err := w.Write(block)
			r.NoError(err)
		}

		r.NoError(w.Close())

		r.Empty(fake.puts)
		r.Equal(3, fake.parts)
		r.Equal(1, fake.completed)
	})

	t.Run("aborting after some parts discards the upload", func(t *testing.T) {
		r := require.New(t)

		fake := &fakeUploads{puts: map[string][]byte{}}

		w := newS3Writer(ctx, manager.NewUploader(fake), "b", "runs/a/blocks")

		block := make([]byte, BlockSize)
		for i := int64(0); i < 2*manager.MinUploadPartSize/BlockSize; i++ {
			_, err := w.Write(block)
			r.NoError(err)
		}

		r.NoError(w.Abort(nil))

		r.Empty(fake.puts)
		r.Equal(0, fake.completed)
		r.Equal(1, fake.aborted)
	})

	t.Run("aborting a small object puts nothing", func(t *testing.T) {
		r := require.New(t)

		fake := &fakeUploads{puts: map[string][]byte{}}

		w := newS3Writer(ctx, manager.NewUploader(fake), "b", "runs/a/blocks")

		fmt.Fprint(w, "partial")
		r.NoError(w.Abort(nil))

		r.Empty(fake.puts)
		r.Equal(0, fake.aborted)
	})
}

func TestLocalStorage(t *testing.T) {
	testStorage(t, &LocalStorage{Dir: t.TempDir()})

	t.Run("unclosed objects are not visible", func(t *testing.T) {
		r := require.New(t)

		ctx := context.Background()
		st := &LocalStorage{Dir: t.TempDir()}

		w, err := st.Create(ctx, "partial")
		r.NoError(err)

		fmt.Fprintln(w, "half")

		names, err := st.List(ctx, "")
		r.NoError(err)
		r.Empty(names)

		_, err = st.Open(ctx, "partial")
		r.ErrorIs(err, ErrNotFound)

		r.NoError(w.Close())

		names, err = st.List(ctx, "")
		r.NoError(err)
		r.Equal([]string{"partial"}, names)
	})
}

func TestS3Storage(t *testing.T) {
	host := os.Getenv("S3_URL")
	if host == "" {
		t.Skip("no s3 url provided to test with")
	}

	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, func(lo *config.LoadOptions) error {
		lo.Region = "us-east-1"
		lo.Credentials = credentials.NewStaticCredentialsProvider("admin", "password", "")
		return nil
	})
	require.NoError(t, err)

	bucket := "cbttest"

	sc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = &host
	})

	sc.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: &bucket,
	})

	st, err := NewS3Storage(testLogger("s3"), host, bucket, "backups", cfg)
	require.NoError(t, err)

	testStorage(t, st)

	t.Run("objects live below the directory", func(t *testing.T) {
		r := require.New(t)

		w, err := st.Create(ctx, "dir-check")
		r.NoError(err)
		r.NoError(w.Close())

		defer st.Remove(ctx, "dir-check")

		key := "backups/dir-check"

		out, err := sc.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &bucket,
			Key:    &key,
		})
		r.NoError(err)
		out.Body.Close()

		names, err := st.List(ctx, "")
		r.NoError(err)

		r.Contains(names, "dir-check")
	})
}

package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeS3 struct {
	putInputs  []*s3.PutObjectInput
	putBodies  [][]byte
	putErr     error
	headOutput *s3.HeadObjectOutput
	headErr    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.putInputs = append(f.putInputs, in)
	f.putBodies = append(f.putBodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return f.headOutput, nil
}

func testStore(client s3API) *R2Store {
	return newWithClient(client, Config{
		Endpoint: "https://acct.r2.cloudflarestorage.com",
		Bucket:   "scrapes",
	}, zap.NewNop())
}

func TestUploadSetsMetadataAndEncoding(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{}
	store := testStore(fake)

	err := store.Upload(context.Background(), "raw/2026/01/02/sha256-abc.html.gz",
		[]byte("payload"), "text/html", "gzip", "deadbeef")
	require.NoError(t, err)

	require.Len(t, fake.putInputs, 1)
	in := fake.putInputs[0]
	require.Equal(t, "scrapes", *in.Bucket)
	require.Equal(t, "raw/2026/01/02/sha256-abc.html.gz", *in.Key)
	require.Equal(t, "text/html", *in.ContentType)
	require.Equal(t, "gzip", *in.ContentEncoding)
	require.Equal(t, "deadbeef", in.Metadata["sha256"])
	require.Equal(t, []byte("payload"), fake.putBodies[0])
}

func TestUploadFileStreamsScratchFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scratch.html.gz")
	require.NoError(t, os.WriteFile(path, []byte("gzipped bytes"), 0o600))

	fake := &fakeS3{}
	store := testStore(fake)

	err := store.UploadFile(context.Background(), "raw/k", path, "cafe")
	require.NoError(t, err)
	require.Equal(t, []byte("gzipped bytes"), fake.putBodies[0])
	require.Equal(t, "cafe", fake.putInputs[0].Metadata["sha256"])
}

func TestUploadFileMissingScratch(t *testing.T) {
	t.Parallel()

	store := testStore(&fakeS3{})
	err := store.UploadFile(context.Background(), "raw/k", "/nonexistent/scratch", "cafe")
	require.Error(t, err)
}

func TestStoredHashFound(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{headOutput: &s3.HeadObjectOutput{
		Metadata: map[string]string{"sha256": "deadbeef"},
	}}
	store := testStore(fake)

	hash, err := store.StoredHash(context.Background(), "rendered/k")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", hash)
}

func TestStoredHashMissingObject(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{headErr: &s3types.NotFound{}}
	store := testStore(fake)

	hash, err := store.StoredHash(context.Background(), "rendered/absent")
	require.NoError(t, err)
	require.Empty(t, hash)
}

func TestStoredHashTransportError(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{headErr: errors.New("connection reset")}
	store := testStore(fake)

	_, err := store.StoredHash(context.Background(), "rendered/k")
	require.Error(t, err)
}

func TestPublicURL(t *testing.T) {
	t.Parallel()

	store := testStore(&fakeS3{})
	require.Equal(t,
		"https://acct.r2.cloudflarestorage.com/scrapes/raw/k",
		store.PublicURL("raw/k"))

	public := newWithClient(&fakeS3{}, Config{
		Endpoint:      "https://acct.r2.cloudflarestorage.com",
		Bucket:        "scrapes",
		PublicBaseURL: "https://cdn.example.com/",
	}, zap.NewNop())
	require.Equal(t, "https://cdn.example.com/raw/k", public.PublicURL("raw/k"))
}

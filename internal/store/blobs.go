package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// blobStore keeps blobs and thumbnails as zstd-compressed files. Writes
// go to a temp file first and are moved into place with a rename so
// readers never observe a partial blob.
type blobStore struct {
	blobsDir  string
	thumbsDir string
	tmpDir    string

	encoderPool sync.Pool
}

func newBlobStore(dataDir string) (*blobStore, error) {
	b := &blobStore{
		blobsDir:  filepath.Join(dataDir, "blobs"),
		thumbsDir: filepath.Join(dataDir, "thumbs"),
		tmpDir:    filepath.Join(dataDir, "tmp"),
	}
	for _, dir := range []string{b.blobsDir, b.thumbsDir, b.tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create blob dir: %w", err)
		}
	}
	b.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	return b, nil
}

func (b *blobStore) path(dir, fileID string) string {
	return filepath.Join(dir, fileID+".zst")
}

// write compresses r into dir/<fileID>.zst and returns the number of
// uncompressed bytes written.
func (b *blobStore) write(dir, fileID string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(b.tmpDir, fileID+"-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	enc := b.encoderPool.Get().(*zstd.Encoder)
	enc.Reset(tmp)
	n, err := io.Copy(enc, r)
	if err == nil {
		err = enc.Close() // flushes; the encoder is reusable after Reset
	}
	b.encoderPool.Put(enc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("write blob: %w", err)
	}

	if err := os.Rename(tmpName, b.path(dir, fileID)); err != nil {
		return 0, fmt.Errorf("move blob into place: %w", err)
	}
	return n, nil
}

// open returns a reader over the decompressed blob contents.
func (b *blobStore) open(dir, fileID string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(dir, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open blob decoder: %w", err)
	}
	return &blobReader{dec: dec, f: f}, nil
}

func (b *blobStore) exists(dir, fileID string) bool {
	_, err := os.Stat(b.path(dir, fileID))
	return err == nil
}

func (b *blobStore) remove(dir, fileID string) error {
	err := os.Remove(b.path(dir, fileID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

type blobReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *blobReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *blobReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// PutBlob stores the file contents for fileID, returning the
// uncompressed size.
func (s *Store) PutBlob(fileID string, r io.Reader) (int64, error) {
	return s.blobs.write(s.blobs.blobsDir, fileID, r)
}

// GetBlob returns a reader over the stored contents of fileID. The
// caller must close it.
func (s *Store) GetBlob(fileID string) (io.ReadCloser, error) {
	return s.blobs.open(s.blobs.blobsDir, fileID)
}

// HasBlob reports whether a blob exists for fileID.
func (s *Store) HasBlob(fileID string) bool {
	return s.blobs.exists(s.blobs.blobsDir, fileID)
}

// DeleteBlob removes the blob for fileID. Missing blobs are ignored.
func (s *Store) DeleteBlob(fileID string) error {
	return s.blobs.remove(s.blobs.blobsDir, fileID)
}

// PutThumb stores the thumbnail for fileID.
func (s *Store) PutThumb(fileID string, r io.Reader) (int64, error) {
	return s.blobs.write(s.blobs.thumbsDir, fileID, r)
}

// GetThumb returns a reader over the thumbnail of fileID.
func (s *Store) GetThumb(fileID string) (io.ReadCloser, error) {
	return s.blobs.open(s.blobs.thumbsDir, fileID)
}

// HasThumb reports whether a thumbnail exists for fileID.
func (s *Store) HasThumb(fileID string) bool {
	return s.blobs.exists(s.blobs.thumbsDir, fileID)
}

// DeleteThumb removes the thumbnail for fileID. Missing thumbnails are
// ignored.
func (s *Store) DeleteThumb(fileID string) error {
	return s.blobs.remove(s.blobs.thumbsDir, fileID)
}

package node

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geostore/geostore/internal/store"
	"github.com/geostore/geostore/pkg/proto"
)

func uploadFile(t *testing.T, ts *testServer, md proto.FileMetadata, contents string) proto.FileMetadata {
	t.Helper()
	resp := ts.multipartUpload(t, "/file/data", md, contents, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stored proto.FileMetadata
	decodeJSON(t, resp, &stored)
	return stored
}

func TestFileUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)

	stored := uploadFile(t, ts, proto.FileMetadata{
		UUID: "f1", DescriptiveName: "notes.txt", Extension: "txt",
		MimeType: "text/plain", DeviceID: "d1",
	}, "hello geostore")

	assert.Equal(t, "f1", stored.UUID)
	assert.NotEmpty(t, stored.MD5, "server computes the MD5")
	assert.Equal(t, int64(len("hello geostore")), stored.FileSize)

	resp := ts.get(t, "/file/data/f1/d1")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello geostore", string(body))
}

func TestFileUploadAssignsUUID(t *testing.T) {
	ts := newTestServer(t)

	stored := uploadFile(t, ts, proto.FileMetadata{
		Extension: "txt", MimeType: "text/plain", DeviceID: "d1",
	}, "contents")
	assert.NotEmpty(t, stored.UUID)
}

func TestFileUploadDuplicateMD5(t *testing.T) {
	ts := newTestServer(t)

	first := uploadFile(t, ts, proto.FileMetadata{
		UUID: "f1", Extension: "txt", DeviceID: "d1",
	}, "same contents")

	second := uploadFile(t, ts, proto.FileMetadata{
		UUID: "f2", Extension: "txt", DeviceID: "d2",
	}, "same contents")

	// The duplicate upload is answered with the original record and the
	// extra copy is dropped.
	assert.Equal(t, first.UUID, second.UUID)
	assert.False(t, ts.store.HasBlob("f2"))
}

func TestFileUploadGeneratesImageThumbnail(t *testing.T) {
	ts := newTestServer(t)

	img := image.NewRGBA(image.Rect(0, 0, 600, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 600; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	uploadFile(t, ts, proto.FileMetadata{
		UUID: "pic", Extension: "png", MimeType: "image/png", DeviceID: "d1",
	}, buf.String())

	resp := ts.get(t, "/thumbnail/pic/d1")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	tile, err := jpeg.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 256, tile.Bounds().Dx())
}

func TestThumbnailPlaceholderForNonImage(t *testing.T) {
	ts := newTestServer(t)

	uploadFile(t, ts, proto.FileMetadata{
		UUID: "vid", Extension: "mp4", MimeType: "video/mp4", DeviceID: "d1",
	}, "definitely not video bytes")

	resp := ts.get(t, "/thumbnail/vid/d1")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := jpeg.Decode(resp.Body)
	assert.NoError(t, err, "placeholder decodes as JPEG")
}

func TestFileMetadataEndpoint(t *testing.T) {
	ts := newTestServer(t)

	uploadFile(t, ts, proto.FileMetadata{
		UUID: "f1", DescriptiveName: "vacation.jpg", Extension: "jpg",
		MimeType: "image/jpeg", DeviceID: "d1",
	}, "jpegish")

	resp := ts.get(t, "/file/metadata/f1/d1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var md proto.FileMetadata
	decodeJSON(t, resp, &md)
	assert.Equal(t, "vacation.jpg", md.DescriptiveName)
}

func TestPrivateFileAccessControl(t *testing.T) {
	ts := newTestServer(t)

	uploadFile(t, ts, proto.FileMetadata{
		UUID: "secret", Extension: "txt", DeviceID: "owner", IsPrivate: true,
	}, "private contents")

	t.Run("owner can read", func(t *testing.T) {
		resp := ts.get(t, "/file/data/secret/owner")
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("other devices are refused", func(t *testing.T) {
		for _, path := range []string{
			"/file/data/secret/stranger",
			"/file/metadata/secret/stranger",
			"/thumbnail/secret/stranger",
		} {
			resp := ts.get(t, path)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		}
	})
}

func TestFileNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/file/data/missing/d1")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServingReplicaTouchesIt(t *testing.T) {
	ts := newTestServer(t)

	uploadFile(t, ts, proto.FileMetadata{
		UUID: "f1", Extension: "txt", DeviceID: "d1",
	}, "replica contents")

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, ts.store.PutReplicaRecord(store.ReplicaRecord{
		FileID: "f1", LastAccessAt: old, ReceivedAt: old,
	}))

	resp := ts.get(t, "/file/data/f1/d2")
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := ts.store.GetReplicaRecord("f1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), rec.LastAccessAt, 5*time.Second)
}

func TestFileDelete(t *testing.T) {
	ts := newTestServer(t)

	uploadFile(t, ts, proto.FileMetadata{
		UUID: "f1", Extension: "txt", DeviceID: "owner",
	}, "contents")

	t.Run("non-owner is refused", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.ts.URL+"/file/f1/stranger", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.True(t, ts.store.HasBlob("f1"))
	})

	t.Run("owner deletes", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.ts.URL+"/file/f1/owner", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.False(t, ts.store.HasBlob("f1"))
		assert.False(t, ts.store.HasThumb("f1"))
		_, err = ts.store.GetFileMetadata("f1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

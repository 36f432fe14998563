package usecase

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newAssetService(t *testing.T) *AssetService {
	t.Helper()
	svc, err := NewAssetService(newMemoryStore())
	require.NoError(t, err)
	svc.now = steppingClock()
	return svc
}

func TestNewAssetService_ValidatesDependency(t *testing.T) {
	_, err := NewAssetService(nil)
	require.Error(t, err)
}

func TestAssetService_UploadExtractsText(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "asset-1" }
	t.Cleanup(func() { newUUID = orig })

	cases := []struct {
		name string
		file string
		data []byte
		want string
	}{
		{name: "markdown", file: "notes.md", data: []byte("# Goals\nShip it"), want: "[File: notes.md]\n# Goals\nShip it"},
		{name: "text upper ext", file: "README.TXT", data: []byte("plain"), want: "[File: README.TXT]\nplain"},
		{name: "invalid utf8", file: "bad.txt", data: []byte{'a', 0xff, 'b'}, want: "[File: bad.txt]\na\uFFFDb"},
		{name: "pdf", file: "brief.pdf", data: []byte("%PDF-1.4"), want: "[PDF: brief.pdf] PDF text extraction is not available."},
		{name: "image", file: "mock.png", data: []byte{0x89, 'P', 'N', 'G'}, want: "[Image: mock.png] Image text recognition is not available."},
		{name: "other", file: "data.xlsx", data: []byte("PK"), want: "[Attachment: data.xlsx] Unsupported file type for text extraction."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newAssetService(t)
			asset, err := svc.Upload(context.Background(), UploadInput{UserID: "u", FileName: tc.file, Data: tc.data})
			require.NoError(t, err)
			require.Equal(t, "asset-1", asset.ID)
			require.Equal(t, tc.want, asset.TextExtract)
			require.Equal(t, int64(len(tc.data)), asset.Size)
			require.Equal(t, "application/octet-stream", asset.ContentType)
			require.Equal(t, time.UTC, asset.UploadedAt.Location())
		})
	}
}

func TestAssetService_UploadStripsDirectories(t *testing.T) {
	svc := newAssetService(t)
	for _, name := range []string{"../../etc/notes.md", `C:\Users\po\notes.md`, " notes.md "} {
		asset, err := svc.Upload(context.Background(), UploadInput{UserID: "u", FileName: name, ContentType: "text/markdown", Data: []byte("x")})
		require.NoError(t, err)
		require.Equal(t, "notes.md", asset.FileName)
		require.Equal(t, "text/markdown", asset.ContentType)
	}
}

func TestAssetService_UploadRejects(t *testing.T) {
	svc := newAssetService(t)
	ctx := context.Background()

	_, err := svc.Upload(ctx, UploadInput{UserID: "u", FileName: "", Data: []byte("x")})
	requireCode(t, err, ErrorInvalidInput, "file_name_required")
	_, err = svc.Upload(ctx, UploadInput{UserID: "u", FileName: "a.txt"})
	requireCode(t, err, ErrorInvalidInput, "empty_file")
	_, err = svc.Upload(ctx, UploadInput{UserID: "u", FileName: "a.txt", Data: bytes.Repeat([]byte("x"), maxAssetBytes+1)})
	requireCode(t, err, ErrorInvalidInput, "file_too_large")

	list, err := svc.List(ctx, "u")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAssetService_ListNewestFirstPerUser(t *testing.T) {
	svc := newAssetService(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := svc.Upload(ctx, UploadInput{UserID: "u", FileName: fmt.Sprintf("f%d.txt", i), Data: []byte("x")})
		require.NoError(t, err)
	}
	_, err := svc.Upload(ctx, UploadInput{UserID: "other", FileName: "o.txt", Data: []byte("x")})
	require.NoError(t, err)

	list, err := svc.List(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "f3.txt", list[0].FileName)
	require.Equal(t, "f1.txt", list[2].FileName)
}

func TestAssetService_DeleteIsOwnerScoped(t *testing.T) {
	svc := newAssetService(t)
	ctx := context.Background()
	asset, err := svc.Upload(ctx, UploadInput{UserID: "u", FileName: "notes.md", Data: []byte("x")})
	require.NoError(t, err)

	requireCode(t, svc.Delete(ctx, "other", asset.ID), ErrorNotFound, "asset_not_found")
	requireCode(t, svc.Delete(ctx, "u", " "), ErrorNotFound, "asset_not_found")

	require.NoError(t, svc.Delete(ctx, "u", asset.ID))
	requireCode(t, svc.Delete(ctx, "u", asset.ID), ErrorNotFound, "asset_not_found")

	list, err := svc.List(ctx, "u")
	require.NoError(t, err)
	require.Empty(t, list)
}

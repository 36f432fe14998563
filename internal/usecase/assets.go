package usecase

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"virtual-product-owner/internal/domain"
)

const maxAssetBytes = 10 << 20

// AssetStore persists uploaded assets per user.
type AssetStore interface {
	AssetProvider
	SaveAsset(ctx context.Context, asset domain.Asset) error
	DeleteAsset(ctx context.Context, userID, id string) (bool, error)
}

type AssetService struct {
	store AssetStore
	now   func() time.Time
}

func NewAssetService(store AssetStore) (*AssetService, error) {
	if store == nil {
		return nil, errors.New("usecase: asset store must not be nil")
	}
	return &AssetService{store: store, now: time.Now}, nil
}

type UploadInput struct {
	UserID      string
	FileName    string
	ContentType string
	Data        []byte
}

// Upload stores a context asset together with whatever text can be pulled
// out of it.
func (s *AssetService) Upload(ctx context.Context, in UploadInput) (domain.Asset, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(in.FileName), `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return domain.Asset{}, newError(ErrorInvalidInput, "file_name_required", nil)
	}
	if len(in.Data) == 0 {
		return domain.Asset{}, newError(ErrorInvalidInput, "empty_file", nil)
	}
	if len(in.Data) > maxAssetBytes {
		return domain.Asset{}, newError(ErrorInvalidInput, "file_too_large", nil)
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	asset := domain.Asset{
		ID:          newUUID(),
		UserID:      in.UserID,
		FileName:    name,
		ContentType: contentType,
		Size:        int64(len(in.Data)),
		TextExtract: extractText(name, in.Data),
		UploadedAt:  s.now().UTC(),
	}
	if err := s.store.SaveAsset(ctx, asset); err != nil {
		return domain.Asset{}, newError(ErrorInternal, "asset_save_error", err)
	}
	return asset, nil
}

func (s *AssetService) List(ctx context.Context, userID string) ([]domain.Asset, error) {
	out, err := s.store.ListAssets(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "asset_list_error", err)
	}
	return out, nil
}

// Delete removes one of the user's assets. An asset owned by someone else
// is reported as not found.
func (s *AssetService) Delete(ctx context.Context, userID, id string) error {
	if strings.TrimSpace(id) == "" {
		return newError(ErrorNotFound, "asset_not_found", nil)
	}
	ok, err := s.store.DeleteAsset(ctx, userID, id)
	if err != nil {
		return newError(ErrorInternal, "asset_delete_error", err)
	}
	if !ok {
		return newError(ErrorNotFound, "asset_not_found", nil)
	}
	return nil
}

// extractText reads plain text and markdown files. Other formats get a
// marker line naming the file.
func extractText(name string, data []byte) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt", ".md":
		text := string(data)
		if !utf8.ValidString(text) {
			text = strings.ToValidUTF8(text, "\uFFFD")
		}
		return fmt.Sprintf("[File: %s]\n%s", name, text)
	case ".pdf":
		return fmt.Sprintf("[PDF: %s] PDF text extraction is not available.", name)
	case ".png", ".jpg", ".jpeg", ".gif", ".svg":
		return fmt.Sprintf("[Image: %s] Image text recognition is not available.", name)
	default:
		return fmt.Sprintf("[Attachment: %s] Unsupported file type for text extraction.", name)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

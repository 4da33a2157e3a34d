package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// Uploader archives a rendered report and returns where it can be fetched.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

type CloudinaryUploader struct {
	cld     *cloudinary.Cloudinary
	folder  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCloudinaryUploader returns nil when cloudinaryURL is empty.
func NewCloudinaryUploader(cloudinaryURL, folder string, logger *slog.Logger) (*CloudinaryUploader, error) {
	if cloudinaryURL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	return &CloudinaryUploader{
		cld:     cld,
		folder:  folder,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "report_uploader"),
	}, nil
}

func (u *CloudinaryUploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	res, err := u.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:       u.folder,
		PublicID:     strings.TrimSuffix(name, ".csv"),
		ResourceType: "raw",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if res.Error.Message != "" {
		return "", errors.New("upload " + name + ": " + res.Error.Message)
	}
	u.logger.Info("report archived", "name", name, "url", res.SecureURL)
	return res.SecureURL, nil
}

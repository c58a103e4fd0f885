package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Attachment is a file staged for sending.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

func (a Attachment) Size() int64 {
	return int64(len(a.Data))
}

// mediaType returns the declared media type, sniffing the content when none
// was declared.
func (a Attachment) mediaType() string {
	if a.MediaType != "" {
		return a.MediaType
	}
	return mimetype.Detect(a.Data).String()
}

// LoadAttachment reads a file from disk and stages it under its base name.
func LoadAttachment(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, err
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{
		Name:      filepath.Base(path),
		MediaType: mimetype.Detect(data).String(),
		Data:      data,
	}, nil
}

// Uploader stores an attachment out of band and returns a URL for it.
type Uploader interface {
	Upload(ctx context.Context, file Attachment) (string, error)
}

// HTTPUploader posts multipart uploads to {base}/upload/file.
type HTTPUploader struct {
	api    apiClient
	logger *zap.Logger
}

func NewHTTPUploader(baseURL string, client *http.Client, credentials CredentialProvider, logger *zap.Logger) *HTTPUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUploader{api: newAPIClient(baseURL, client, credentials), logger: logger}
}

func (u *HTTPUploader) Upload(ctx context.Context, file Attachment) (string, error) {
	endpoint := u.api.baseURL + "/upload/file"
	fail := func(err error) (string, error) {
		return "", newError(KindUpload, "POST "+endpoint, 0, err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	header.Set("Content-Type", file.mediaType())
	part, err := writer.CreatePart(header)
	if err != nil {
		return fail(err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	body, err := u.api.do(ctx, req)
	if err != nil {
		return fail(err)
	}
	fileURL, err := parseUploadResponse(body)
	if err != nil {
		return fail(err)
	}
	u.logger.Debug("attachment uploaded", zap.String("file", file.Name), zap.Int64("size", file.Size()), zap.String("url", fileURL))
	return fileURL, nil
}

// parseUploadResponse accepts {"url": "..."} as well as a bare JSON string or
// plain-text URL body.
func parseUploadResponse(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.New("empty upload response")
	}
	var candidate string
	switch trimmed[0] {
	case '{':
		var parsed map[string]any
		if err := json.Unmarshal(trimmed, &parsed); err != nil {
			return "", err
		}
		for _, key := range []string{"url", "file_url", "fileUrl"} {
			if value, ok := parsed[key].(string); ok && value != "" {
				candidate = value
				break
			}
		}
	case '"':
		if err := json.Unmarshal(trimmed, &candidate); err != nil {
			return "", err
		}
	default:
		candidate = string(trimmed)
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", errors.New("upload response carries no url")
	}
	if _, err := url.Parse(candidate); err != nil {
		return "", fmt.Errorf("upload response url: %w", err)
	}
	return candidate, nil
}

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// uploadResponse is what the chat client reads back; url is the only field it needs.
type uploadResponse struct {
	URL      string `json:"url"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// FileUploadHandler stores uploaded attachments on disk, one directory per file id.
type FileUploadHandler struct {
	uploadDir     string
	maxFileSize   int64
	publicBaseURL string
	metrics       *Metrics
	logger        *zap.Logger
}

func NewFileUploadHandler(uploadDir string, maxFileSize int64, publicBaseURL string, metrics *Metrics, logger *zap.Logger) *FileUploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileUploadHandler{
		uploadDir:     uploadDir,
		maxFileSize:   maxFileSize,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		metrics:       metrics,
		logger:        logger,
	}
}

// HandleUpload accepts a multipart form with a single "file" part.
func (h *FileUploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+1<<20)
	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file provided"))
		return
	}
	defer file.Close()

	filename := sanitizePathComponent(filepath.Base(header.Filename))
	if header.Size > h.maxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}

	fileID := uuid.NewString()
	fileDir := filepath.Join(h.uploadDir, fileID)
	if err := os.MkdirAll(fileDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to create upload directory: %w", err))
		return
	}
	storagePath := filepath.Join(fileDir, filename)
	dest, err := os.Create(storagePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to create file: %w", err))
		return
	}
	defer dest.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), io.LimitReader(file, h.maxFileSize+1))
	if err == nil && written > h.maxFileSize {
		err = errors.New("file too large")
	}
	if err != nil {
		_ = os.RemoveAll(fileDir)
		status := http.StatusInternalServerError
		if written > h.maxFileSize {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err)
		return
	}

	if claims := claimsFrom(r); claims != nil {
		h.logger.Info("file uploaded",
			zap.String("file_id", fileID),
			zap.String("filename", filename),
			zap.Int64("size", written),
			zap.Int64("user_id", claims.UserIdx),
		)
	}
	if h.metrics != nil {
		h.metrics.IncUpload(written)
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		URL:      h.fileURL(r, fileID, filename),
		FileID:   fileID,
		Filename: filename,
		Size:     written,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
	})
}

// HandleDownload serves /api/files/{fileId}/{name}.
func (h *FileUploadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fileID, err := uuid.Parse(vars["fileId"])
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	filename := sanitizePathComponent(vars["name"])
	filePath := filepath.Join(h.uploadDir, fileID.String(), filename)

	absPath, err := filepath.Abs(filePath)
	base, baseErr := filepath.Abs(h.uploadDir)
	if err != nil || baseErr != nil || !strings.HasPrefix(absPath, base+string(filepath.Separator)) {
		http.Error(w, "invalid file path", http.StatusForbidden)
		return
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectReader(file); err == nil {
		contentType = mtype.String()
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if h.metrics != nil {
		h.metrics.IncDownload()
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	http.ServeContent(w, r, filename, stat.ModTime(), file)
}

func (h *FileUploadHandler) fileURL(r *http.Request, fileID, filename string) string {
	base := h.publicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/api/files/" + fileID + "/" + url.PathEscape(filename)
}

// sanitizePathComponent removes path separators and null bytes from a name.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}

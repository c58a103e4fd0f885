package server

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"meetchat/internal/auth"
	"meetchat/internal/broker"
	"meetchat/internal/chat"
	"meetchat/internal/storage"
)

type testServer struct {
	srv     *Server
	http    *httptest.Server
	store   *storage.Store
	issuer  *auth.Issuer
	baseURL string
}

func newTestServer(t *testing.T, maxFileSize int64) *testServer {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	issuer, err := auth.NewIssuer("server-test-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	b, err := broker.New(broker.Config{}, store, issuer, nil, nil)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	srv, err := New(Config{UploadDir: t.TempDir(), MaxFileSize: maxFileSize}, store, issuer, b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	httpServer := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = b.Close()
		httpServer.Close()
	})
	return &testServer{srv: srv, http: httpServer, store: store, issuer: issuer, baseURL: httpServer.URL + "/api"}
}

func (ts *testServer) credentials(t *testing.T, userID int64, name string) chat.StaticCredentials {
	t.Helper()
	token, err := ts.issuer.Mint(userID, name, "")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return chat.StaticCredentials{Token: token, UserID: userID}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	ctx := context.Background()
	creds := ts.credentials(t, 3, "Ivy")

	// the first authenticated request registers the profile
	loader := chat.NewHistoryLoader(ts.baseURL, ts.http.Client(), creds, nil)
	if msgs, err := loader.LoadHistory(ctx, 8); err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty history, got %v %v", msgs, err)
	}

	for _, content := range []string{"first", "second"} {
		if _, err := ts.store.AppendMessage(ctx, chat.ChatMessage{
			RoomID:    8,
			SenderID:  3,
			Content:   content,
			Type:      chat.MessageText,
			CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := loader.LoadHistory(ctx, 8)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if msgs[0].SenderName != "Ivy" {
		t.Fatalf("expected profile name from token, got %q", msgs[0].SenderName)
	}
}

func TestHistoryRequiresToken(t *testing.T) {
	ts := newTestServer(t, 0)
	resp, err := ts.http.Client().Get(ts.baseURL + "/chat/messages/1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	loader := chat.NewHistoryLoader(ts.baseURL, ts.http.Client(), chat.StaticCredentials{Token: "bogus"}, nil)
	if _, err := loader.LoadHistory(context.Background(), 1); !chat.IsKind(err, chat.KindFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestHistoryRejectsBadRoom(t *testing.T) {
	ts := newTestServer(t, 0)
	creds := ts.credentials(t, 3, "")
	req, _ := http.NewRequest(http.MethodGet, ts.baseURL+"/chat/messages/0", nil)
	req.Header.Set("Authorization", creds.BearerHeader())
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	creds := ts.credentials(t, 5, "Uma")
	content := []byte("Hello, this is a test file!")

	uploader := chat.NewHTTPUploader(ts.baseURL, ts.http.Client(), creds, nil)
	fileURL, err := uploader.Upload(context.Background(), chat.Attachment{Name: "notes.txt", Data: content})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(fileURL, ts.http.URL+"/api/files/") || !strings.HasSuffix(fileURL, "/notes.txt") {
		t.Fatalf("unexpected file url %q", fileURL)
	}

	resp, err := ts.http.Client().Get(fileURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain, got %q", ct)
	}

	var snapshot map[string]any
	metricsResp, err := ts.http.Client().Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if err := json.NewDecoder(metricsResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snapshot["uploads_total"] != float64(1) || snapshot["downloads_total"] != float64(1) {
		t.Fatalf("unexpected metrics %v", snapshot)
	}
	if _, ok := snapshot["active_connections"]; !ok {
		t.Fatal("expected broker counters in metrics")
	}
}

func TestUploadSizeLimit(t *testing.T) {
	ts := newTestServer(t, 100)
	creds := ts.credentials(t, 5, "")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "large.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(bytes.Repeat([]byte("a"), 200)); err != nil {
		t.Fatal(err)
	}
	writer.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.baseURL+"/upload/file", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", creds.BearerHeader())
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestUploadRequiresFile(t *testing.T) {
	ts := newTestServer(t, 0)
	handler := ts.srv.uploads

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("note", "no file here")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload/file", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDownloadRejectsUnknownFiles(t *testing.T) {
	ts := newTestServer(t, 0)
	for _, path := range []string{
		"/api/files/not-a-uuid/file.txt",
		"/api/files/0b7e6a2e-8f5d-4b7b-9d7e-0d1f2a3b4c5d/missing.txt",
	} {
		resp, err := ts.http.Client().Get(ts.http.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestUploadStoresOnePathPerFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewFileUploadHandler(dir, 1<<20, "https://files.test/", nil, nil)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", "../../etc/passwd")
	_, _ = part.Write([]byte("x"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload/file", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.HandleUpload(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Filename != "passwd" {
		t.Fatalf("expected base name, got %q", resp.Filename)
	}
	if want := "https://files.test/api/files/" + resp.FileID + "/passwd"; resp.URL != want {
		t.Fatalf("expected url %q, got %q", want, resp.URL)
	}
	if _, err := os.Stat(filepath.Join(dir, resp.FileID, "passwd")); err != nil {
		t.Fatalf("expected stored file: %v", err)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	cases := map[string]string{
		"report.pdf":  "report.pdf",
		"a/b":         "a_b",
		`a\b`:         "a_b",
		"..":          "unnamed",
		"  ":          "unnamed",
		"nul\x00byte": "nulbyte",
	}
	for in, want := range cases {
		if got := sanitizePathComponent(in); got != want {
			t.Errorf("sanitizePathComponent(%q) = %q, want %q", in, got, want)
		}
	}
}

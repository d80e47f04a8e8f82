package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/models"
)

func withTenant(tenantID string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(common.WithTenant(r.Context(), tenantID)))
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type stubBatchService struct {
	got    models.BatchRequest
	report *models.BatchReport
	err    error
}

func (s *stubBatchService) Run(ctx context.Context, req models.BatchRequest) (*models.BatchReport, error) {
	s.got = req
	return s.report, s.err
}

func (s *stubBatchService) Status(ctx context.Context) (map[string]models.QueueStats, error) {
	return map[string]models.QueueStats{
		models.QueueRetrieval: {Waiting: 2, Active: 1},
		models.QueueDelivery:  {Completed: 4},
	}, nil
}

func postProcess(t *testing.T, svc *stubBatchService, body string) *httptest.ResponseRecorder {
	t.Helper()
	handler := NewProcessHandler(svc, "clientes-sin-deuda.xlsx", "ClientesSinDeuda", arbor.NewLogger())
	req := httptest.NewRequest("POST", "/api/process", strings.NewReader(body))
	rec := httptest.NewRecorder()
	withTenant("tenant-a", handler.ProcessHandler).ServeHTTP(rec, req)
	return rec
}

func TestProcessHandlerReturnsNoDebtSpreadsheet(t *testing.T) {
	svc := &stubBatchService{report: &models.BatchReport{
		Record:     &models.BatchRecord{ID: "batch-1"},
		Header:     []string{"Ref", "Phone", "Name"},
		NoDebtRows: [][]string{{"1003", "3515550103", "Carla Sosa"}},
	}}

	rec := postProcess(t, svc, `{"filename":"clients.xlsx","message":"","expiration_option":1}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "clientes-sin-deuda.xlsx")
	assert.Equal(t, "batch-1", rec.Header().Get("X-Batch-ID"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")

	assert.Equal(t, "tenant-a", svc.got.TenantID)
	assert.Equal(t, models.TermsNext, svc.got.TermsOption)
	assert.Equal(t, models.BatchMode(""), svc.got.Mode)
}

func TestProcessHandlerJSONWhenEveryoneServed(t *testing.T) {
	svc := &stubBatchService{report: &models.BatchReport{Record: &models.BatchRecord{ID: "batch-1"}}}

	rec := postProcess(t, svc, `{"filename":"clients.xlsx","expiration_option":0,"mode":"queued"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeBody(t, rec)["status"])
	assert.Equal(t, models.BatchModeQueued, svc.got.Mode)
}

func TestProcessHandlerValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing filename", `{"expiration_option":0}`},
		{"missing expiration option", `{"filename":"clients.xlsx"}`},
		{"bad expiration option", `{"filename":"clients.xlsx","expiration_option":2}`},
		{"bad mode", `{"filename":"clients.xlsx","expiration_option":0}`},
		{"malformed body", `{"filename":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubBatchService{}
			rec := postProcess(t, svc, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "error", decodeBody(t, rec)["status"])
			assert.Empty(t, svc.got.TenantID, "batch must not run")
		})
	}
}

func TestProcessHandlerReportsBatchErrors(t *testing.T) {
	svc := &stubBatchService{err: errors.New("clients.xlsx: " + models.ErrFileNotFound.Error())}
	rec := postProcess(t, svc, `{"filename":"clients.xlsx","expiration_option":0}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	svc = &stubBatchService{err: models.ErrFileNotFound}
	rec = postProcess(t, svc, `{"filename":"clients.xlsx","expiration_option":0}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessHandlerRejectsInvalidBatchRequest(t *testing.T) {
	svc := &stubBatchService{err: fmt.Errorf("%w: unknown batch mode %q", models.ErrInvalidBatchRequest, "later")}
	rec := postProcess(t, svc, `{"filename":"clients.xlsx","expiration_option":0}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown batch mode")

	svc = &stubBatchService{err: fmt.Errorf("%w: queued mode is not available", models.ErrInvalidBatchRequest)}
	rec = postProcess(t, svc, `{"filename":"clients.xlsx","expiration_option":0,"mode":"queued"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessHandlerRequiresTenant(t *testing.T) {
	handler := NewProcessHandler(&stubBatchService{}, "r.xlsx", "R", arbor.NewLogger())
	req := httptest.NewRequest("POST", "/api/process", strings.NewReader(`{"filename":"clients.xlsx","expiration_option":0}`))
	rec := httptest.NewRecorder()
	handler.ProcessHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcessStatusHandler(t *testing.T) {
	handler := NewProcessHandler(&stubBatchService{}, "r.xlsx", "R", arbor.NewLogger())
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, httptest.NewRequest("GET", "/api/process/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status[models.QueueRetrieval].Waiting)
	assert.Equal(t, 4, status[models.QueueDelivery].Completed)
}

type stubMessagingService struct {
	init      models.InitResult
	initErr   error
	challenge string
	reachable bool
	reachErr  error
	loggedOut []string
}

func (m *stubMessagingService) Initialize(ctx context.Context, tenantID string) (models.InitResult, error) {
	return m.init, m.initErr
}

func (m *stubMessagingService) AwaitReady(ctx context.Context, tenantID string) error { return nil }

func (m *stubMessagingService) IsRecipientReachable(ctx context.Context, phone, tenantID string) (bool, error) {
	return m.reachable, m.reachErr
}

func (m *stubMessagingService) Send(ctx context.Context, phone, caption, artifactPath, tenantID string) error {
	return nil
}

func (m *stubMessagingService) IsSessionActive(tenantID string) bool { return m.init.Ready }

func (m *stubMessagingService) SessionState(tenantID string) models.AuthState {
	if m.init.Ready {
		return models.AuthReady
	}
	return models.AuthPairing
}

func (m *stubMessagingService) PairingChallenge(tenantID string) (string, bool) {
	return m.challenge, m.challenge != ""
}

func (m *stubMessagingService) Logout(ctx context.Context, tenantID string) error {
	m.loggedOut = append(m.loggedOut, tenantID)
	return nil
}

func (m *stubMessagingService) RestoreAll(ctx context.Context) error { return nil }

func (m *stubMessagingService) Close() {}

func serveMessaging(t *testing.T, h http.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	withTenant("tenant-a", h).ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestMessagingInitializeHandler(t *testing.T) {
	svc := &stubMessagingService{init: models.InitResult{PairingChallenge: "2@challenge"}}
	handler := NewMessagingHandler(svc, arbor.NewLogger())

	rec := serveMessaging(t, handler.InitializeHandler, "GET", "/api/messaging/initialize")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pairing", body["status"])
	assert.True(t, strings.HasPrefix(body["qr"].(string), "data:image/png;base64,"))

	svc.init = models.InitResult{Ready: true}
	rec = serveMessaging(t, handler.InitializeHandler, "GET", "/api/messaging/initialize")
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])

	svc.initErr = models.ErrSessionNotReady
	rec = serveMessaging(t, handler.InitializeHandler, "GET", "/api/messaging/initialize")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestMessagingQRCodeHandler(t *testing.T) {
	svc := &stubMessagingService{}
	handler := NewMessagingHandler(svc, arbor.NewLogger())

	rec := serveMessaging(t, handler.QRCodeHandler, "GET", "/api/messaging/qrcode")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.challenge = "2@challenge"
	rec = serveMessaging(t, handler.QRCodeHandler, "GET", "/api/messaging/qrcode")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestMessagingStatusAndLogout(t *testing.T) {
	svc := &stubMessagingService{init: models.InitResult{Ready: true}}
	handler := NewMessagingHandler(svc, arbor.NewLogger())

	body := decodeBody(t, serveMessaging(t, handler.StatusHandler, "GET", "/api/messaging/status"))
	assert.Equal(t, string(models.AuthReady), body["state"])
	assert.Equal(t, true, body["active"])

	rec := serveMessaging(t, handler.LogoutHandler, "POST", "/api/messaging/logout")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tenant-a"}, svc.loggedOut)
}

func TestMessagingReachableHandler(t *testing.T) {
	svc := &stubMessagingService{reachable: true}
	handler := NewMessagingHandler(svc, arbor.NewLogger())

	rec := serveMessaging(t, handler.ReachableHandler, "GET", "/api/messaging/reachable?phone=%2B54+9+351+123-4567")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "5493511234567", body["phone"])
	assert.Equal(t, true, body["reachable"])

	rec = serveMessaging(t, handler.ReachableHandler, "GET", "/api/messaging/reachable")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.reachErr = models.ErrSessionNotReady
	rec = serveMessaging(t, handler.ReachableHandler, "GET", "/api/messaging/reachable?phone=5493511234567")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type memoryFiles struct {
	files map[string][]byte
}

func (m *memoryFiles) SaveFile(ctx context.Context, name string, data []byte) error {
	m.files[name] = data
	return nil
}

func (m *memoryFiles) GetFilePath(ctx context.Context, name string) (string, error) {
	return "", models.ErrFileNotFound
}

func (m *memoryFiles) ListFiles(ctx context.Context) ([]models.StoredFile, error) {
	var out []models.StoredFile
	for name, data := range m.files {
		out = append(out, models.StoredFile{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (m *memoryFiles) DeleteFile(ctx context.Context, name string) error {
	delete(m.files, name)
	return nil
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestFileUploadHandler(t *testing.T) {
	store := &memoryFiles{files: map[string][]byte{}}
	handler := NewFileHandler(store, arbor.NewLogger())

	rec := httptest.NewRecorder()
	handler.UploadHandler(rec, uploadRequest(t, "../../clients.xlsx", []byte("PK\x03\x04")))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "clients.xlsx", decodeBody(t, rec)["filename"])
	assert.Equal(t, []byte("PK\x03\x04"), store.files["clients.xlsx"])

	rec = httptest.NewRecorder()
	handler.UploadHandler(rec, uploadRequest(t, "notes.txt", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ListHandler(rec, httptest.NewRequest("GET", "/api/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = httptest.NewRecorder()
	handler.DeleteHandler(rec, httptest.NewRequest("DELETE", "/api/files/clients.xlsx", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.files)
}

package controller

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"

	"gradelab/internal/intake/repository"
	"gradelab/internal/intake/service"
	schedsvc "gradelab/internal/scheduler/service"
	appErr "gradelab/pkg/errors"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sched, err := schedsvc.NewScheduler(schedsvc.Config{MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	store, err := repository.NewPacketStore(filepath.Join(t.TempDir(), "packets"))
	if err != nil {
		t.Fatal(err)
	}
	intake, err := service.NewIntakeService(service.Config{
		Scheduler:  sched,
		Store:      store,
		StagingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := schedsvc.NewResolver(schedsvc.ResolverConfig{Scheduler: sched})
	if err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	NewPacketController(intake, resolver).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func postPacket(t *testing.T, router *gin.Engine, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/packets", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeUpload(t *testing.T, rec *httptest.ResponseRecorder) UploadResponse {
	t.Helper()
	var envelope struct {
		Code appErr.ErrorCode `json:"code"`
		Data UploadResponse   `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Code != appErr.Success {
		t.Fatalf("code = %d, want success", envelope.Code)
	}
	return envelope.Data
}

func TestUploadReportsQueuedThenDuplicate(t *testing.T) {
	router := newTestRouter(t)
	archive := buildZip(t, map[string]string{
		"main.c":      "int main(void) { return 0; }\n",
		"input/a.txt": "1 2\n",
		"crash/x.txt": "-1\n",
	})

	rec := postPacket(t, router, archive)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	first := decodeUpload(t, rec)
	if first.Status != "queued" {
		t.Fatalf("status = %q, want queued", first.Status)
	}
	if len(first.Hash) != 64 {
		t.Fatalf("hash = %q, want 64 hex chars", first.Hash)
	}
	if want := "/api/v1/packets/" + first.Hash; first.StatusURL != want {
		t.Fatalf("status_url = %q, want %q", first.StatusURL, want)
	}

	second := decodeUpload(t, postPacket(t, router, archive))
	if second.Status != "duplicate" {
		t.Fatalf("status = %q, want duplicate", second.Status)
	}
	if second.Hash != first.Hash || second.StatusURL != first.StatusURL {
		t.Fatalf("duplicate response %+v does not point at %q", second, first.Hash)
	}

	// The advertised URL must resolve to the status endpoint.
	req := httptest.NewRequest(http.MethodGet, first.StatusURL, nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, req)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("GET %s = %d, body = %s", first.StatusURL, statusRec.Code, statusRec.Body.String())
	}
	var statusEnvelope struct {
		Data schedsvc.StatusView `json:"data"`
	}
	if err := json.Unmarshal(statusRec.Body.Bytes(), &statusEnvelope); err != nil {
		t.Fatal(err)
	}
	if statusEnvelope.Data.Status != schedsvc.StatusQueued {
		t.Fatalf("resolved status = %q, want queued", statusEnvelope.Data.Status)
	}
}

func TestUploadRejectsMalformedArchive(t *testing.T) {
	router := newTestRouter(t)
	rec := postPacket(t, router, []byte("not a zip archive"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

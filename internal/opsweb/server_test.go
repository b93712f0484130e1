package opsweb

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestVersionInfo(t *testing.T) {
	s := &Server{echo: echo.New(), version: "1.2.3"}
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.versionInfo(c); err != nil {
		t.Fatalf("versionInfo() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "1.2.3") {
		t.Errorf("body = %q, want it to contain version", rec.Body.String())
	}
}

func TestHealthLive(t *testing.T) {
	s := &Server{echo: echo.New(), version: "1.2.3"}
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.healthLive(c); err != nil {
		t.Fatalf("healthLive() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

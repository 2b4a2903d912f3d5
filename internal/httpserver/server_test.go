package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AirOxygenC/DriveCode/internal/config"
	"github.com/AirOxygenC/DriveCode/internal/logging"
)

func testConfig() config.Config {
	return config.Config{
		HTTPAddress:    ":0",
		GitHubClientID: "client-id",
		KeywordsPath:   "does-not-exist.yaml",
	}
}

func testServer() *Server {
	return New(testConfig(), logging.Nop().Sugar(), nil)
}

func TestServer_Healthz(t *testing.T) {
	srv := testServer()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	srv := testServer()
	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestServer_LoginRedirects(t *testing.T) {
	srv := testServer()
	r := httptest.NewRequest(http.MethodGet, "/auth/github/login", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
}

func TestServer_WSRequiresUpgrade(t *testing.T) {
	srv := testServer()
	// A plain GET without upgrade headers must not become a session.
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/dispatch"
	"github.com/GoCodeAlone/courier/task"
)

const testSecret = "test-secret-key-1234567890"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, *dispatch.Service) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	bus := comms.NewInMemoryBus()
	svc := dispatch.NewService(store, bus, nil, quietLogger())
	cfg := config.DefaultConfig()
	cfg.Auth = auth
	return New(*cfg, svc, bus, "test", quietLogger()), svc
}

func authedConfig(t *testing.T) config.AuthConfig {
	t.Helper()
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return config.AuthConfig{
		JWTSecret:     testSecret,
		AdminUser:     "admin",
		AdminPassHash: hash,
		TokenTTL:      time.Hour,
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := IssueToken(testSecret, "consumer-a", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	subject, err := VerifyToken(testSecret, token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if subject != "consumer-a" {
		t.Errorf("subject = %q, want consumer-a", subject)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := IssueToken(testSecret, "consumer-a", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := VerifyToken(testSecret, token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyToken_BadSignature(t *testing.T) {
	token, _ := IssueToken("correct-secret", "consumer-a", time.Hour)
	if _, err := VerifyToken("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "mallory",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyToken(testSecret, token); err == nil {
		t.Fatal("expected error for HS512 token")
	}
}

func TestIssueToken_RequiresSecretAndSubject(t *testing.T) {
	if _, err := IssueToken("", "a", time.Hour); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := IssueToken(testSecret, "", time.Hour); err == nil {
		t.Error("expected error without subject")
	}
}

func TestHandleLogin(t *testing.T) {
	srv, _ := newTestServer(t, authedConfig(t))
	h := srv.Handler()

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "secret"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub, err := VerifyToken(testSecret, resp.Token); err != nil || sub != "admin" {
		t.Errorf("VerifyToken = %q, %v", sub, err)
	}
}

func TestHandleLogin_BadPassword(t *testing.T) {
	srv, _ := newTestServer(t, authedConfig(t))
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "nope"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleLogin_Disabled(t *testing.T) {
	srv, _ := newTestServer(t, config.AuthConfig{})
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "secret"})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, authedConfig(t))
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}

	token, _ := IssueToken(testSecret, "consumer-a", time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status route: status = %d, want 200 without token", w.Code)
	}
}

func TestAuthMiddleware_SubjectIsCaller(t *testing.T) {
	srv, svc := newTestServer(t, authedConfig(t))
	h := srv.Handler()

	rcpt, err := svc.Submit(t.Context(), dispatch.Submission{Instruction: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	token, _ := IssueToken(testSecret, "consumer-a", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/tasks/"+rcpt.ID+"/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Consumer-ID", "spoofed")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	got, _ := svc.Get(t.Context(), rcpt.ID)
	if got.ClaimedBy != "consumer-a" {
		t.Errorf("claimed_by = %q, want token subject consumer-a", got.ClaimedBy)
	}
}

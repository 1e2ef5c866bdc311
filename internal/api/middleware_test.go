package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-sse-relay/internal/config"
	"github.com/npezzotti/go-sse-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func TestErrorHandler_PanicRecovery(t *testing.T) {
	logger, buf := testutil.CaptureLogger(t)
	app := &RelayApp{log: logger}

	// handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "panic: test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &RelayApp{}

	// simple handler that does not panic
	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware_Disabled(t *testing.T) {
	app := &RelayApp{log: testutil.TestLogger(t)}

	called := false
	handler := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := UserId(r.Context())
		assert.False(t, ok, "expected no user id without token checks")
		assert.True(t, app.authorizeUser(r, "anyone"), "expected every user to be authorized")
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func Test_authMiddleware_Enabled(t *testing.T) {
	logger, buf := testutil.CaptureLogger(t)
	app := &RelayApp{log: logger, signingKey: testSigningKey}

	tokenHandler := func(w http.ResponseWriter, r *http.Request) {
		userId, ok := UserId(r.Context())
		if !ok {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(userId))
	}

	token, err := CreateToken(testSigningKey, "alice", time.Minute)
	require.NoError(t, err)

	tcases := []struct {
		name     string
		prepare  func(r *http.Request)
		status   int
		body     string
		logEntry string
	}{
		{
			name:    "bearer header",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			status:  http.StatusOK,
			body:    "alice",
		},
		{
			name:    "cookie",
			prepare: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: token}) },
			status:  http.StatusOK,
			body:    "alice",
		},
		{
			name:    "query string",
			prepare: func(r *http.Request) { r.URL.RawQuery = "token=" + token },
			status:  http.StatusOK,
			body:    "alice",
		},
		{
			name:    "missing token",
			prepare: func(r *http.Request) {},
			status:  http.StatusUnauthorized,
		},
		{
			name:     "invalid token",
			prepare:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer invalid-token") },
			status:   http.StatusUnauthorized,
			logEntry: "failed to extract user id from token",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.prepare(req)

			app.authMiddleware(tokenHandler).ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rr.Body.String())
				assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
			}
			if tc.logEntry != "" {
				assert.Contains(t, buf.String(), tc.logEntry)
			}
		})
	}
}

func Test_authorizeUser(t *testing.T) {
	app := &RelayApp{signingKey: testSigningKey}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, app.authorizeUser(req, "alice"), "expected no token user to be rejected")

	req = req.WithContext(WithUserId(req.Context(), "alice"))
	assert.True(t, app.authorizeUser(req, "alice"))
	assert.False(t, app.authorizeUser(req, "bob"), "expected a token for alice to not act as bob")
}

func TestTokenChecksOnRoutes(t *testing.T) {
	app, _ := newTestApp(t, &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		SendBufferSize: 16,
	})

	aliceToken, err := CreateToken(testSigningKey, "alice", time.Minute)
	require.NoError(t, err)

	t.Run("join as self", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/sse/join-room", jsonBody(t, RoomRequest{UserId: "alice", RoomId: "r"}))
		req.Header.Set("Authorization", "Bearer "+aliceToken)
		app.srv.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("join as someone else", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/sse/join-room", jsonBody(t, RoomRequest{UserId: "bob", RoomId: "r"}))
		req.Header.Set("Authorization", "Bearer "+aliceToken)
		app.srv.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("open another user's stream", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/sse/connect/bob?token="+aliceToken, nil)
		app.srv.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("status without token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sse/status", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

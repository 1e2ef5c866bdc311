package api

import (
	"fmt"
	"net/http"
)

func (s *RelayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies the request token when a signing key is configured
// and stores the token's user id on the request context. Without a signing
// key every request passes through untouched.
func (s *RelayApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.signingKey) == 0 {
			next(w, r)
			return
		}

		tokenString := tokenFromRequest(r)
		if tokenString == "" {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Printf("failed to extract user id from token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithUserId(r.Context(), userId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// authorizeUser reports whether the request may act as userId. It always
// does when token checks are disabled.
func (s *RelayApp) authorizeUser(r *http.Request, userId string) bool {
	if len(s.signingKey) == 0 {
		return true
	}

	tokenUser, ok := UserId(r.Context())
	return ok && tokenUser == userId
}

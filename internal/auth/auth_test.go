package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func request(authorization string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/decide", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	a := &TokenAuthenticator{Token: "secret"}

	cases := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"valid token", "Bearer secret", nil},
		{"missing header", "", ErrMissingBearer},
		{"wrong token", "Bearer nope", ErrInvalidToken},
		{"wrong scheme", "Basic secret", ErrInvalidToken},
		{"empty bearer", "Bearer ", ErrInvalidToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Authenticate(request(tc.header))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	a := &TokenAuthenticator{}
	claims, err := a.Authenticate(request(""))
	if err != nil {
		t.Fatalf("expected open access with empty token, got %v", err)
	}
	if claims.Subject != "anonymous" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

package api

import (
	"net/http/httptest"
	"testing"

	"gochat/auth"
	"gochat/storage"

	"github.com/gin-gonic/gin"
)

type apiFixture struct {
	store  *storage.Store
	issuer *auth.Issuer
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	gin.SetMode(gin.TestMode)

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	issuer, err := auth.NewIssuer(auth.IssuerOptions{Secret: []byte("api-test-secret")})
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	router, err := NewRouter(RouterOptions{Store: store, Verifier: issuer})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		_ = store.Close()
	})

	return &apiFixture{store: store, issuer: issuer, server: server}
}

// clientFor returns an API client signed in as userID.
func (f *apiFixture) clientFor(t *testing.T, userID string) *Client {
	t.Helper()

	token, err := f.issuer.Issue(userID)
	if err != nil {
		t.Fatalf("issue token for %q: %v", userID, err)
	}
	client, err := NewClient(ClientOptions{
		BaseURL: f.server.URL,
		Token:   func() string { return token },
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

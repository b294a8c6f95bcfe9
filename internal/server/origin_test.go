package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"missing origin header", []string{"http://example.com"}, "", true},
		{"exact match", []string{"http://example.com"}, "http://example.com", true},
		{"case insensitive", []string{"http://Example.COM"}, "HTTP://example.com", true},
		{"path ignored", []string{"http://example.com"}, "http://example.com/some/path", true},
		{"different port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"scheme differs", []string{"http://example.com"}, "https://example.com", false},
		{"malformed origin", []string{"http://example.com"}, "not a url", false},
		{"scheme only", []string{"http://example.com"}, "http://", false},
		{"wildcard", []string{"*"}, "http://anything.example", true},
		{"invalid configured entries skipped", []string{"example.com", " ", "http://ok.example"}, "http://ok.example", true},
		{"nothing configured", nil, "http://example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewOriginPolicy(tt.allowed, zap.NewNop())
			assert.Equal(t, tt.want, p.Allowed(requestWithOrigin(tt.origin)))
			assert.Equal(t, tt.want, p.CheckOrigin(requestWithOrigin(tt.origin)))
		})
	}
}

func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := CreateServer(":8080", handler)

	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, handler, srv.Handler)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}

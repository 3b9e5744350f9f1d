package apiutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPNoTrustedProxies(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	if got := ClientIP(r, nil); got != "203.0.113.7" {
		t.Errorf("ClientIP with no trusted proxies = %q, want peer IP", got)
	}
}

func TestClientIPUntrustedPeerIgnoresHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	if got := ClientIP(r, []string{"10.0.0.0/8"}); got != "203.0.113.7" {
		t.Errorf("ClientIP from untrusted peer = %q, want peer IP", got)
	}
}

func TestClientIPTrustedPeerHonorsHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.5")

	if got := ClientIP(r, []string{"10.0.0.0/8"}); got != "198.51.100.9" {
		t.Errorf("ClientIP from trusted peer = %q, want forwarded IP", got)
	}
}

func TestClientIPTrustedPeerNoHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:54321"

	if got := ClientIP(r, []string{"10.0.0.0/8"}); got != "10.0.0.5" {
		t.Errorf("ClientIP with no header = %q, want peer IP", got)
	}
}

func TestClientIPMalformedRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "not-a-valid-addr"

	if got := ClientIP(r, nil); got != "not-a-valid-addr" {
		t.Errorf("ClientIP fallback = %q, want raw RemoteAddr", got)
	}
}

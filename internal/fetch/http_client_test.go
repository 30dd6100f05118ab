package fetch

import "testing"

func TestNewHTTPClientHasNoGlobalTimeout(t *testing.T) {
	client := NewHTTPClient()
	if client.Timeout != 0 {
		t.Fatalf("expected no client-level timeout, got %s", client.Timeout)
	}
	if client.Transport == nil || client.Transport == defaultTransport {
		t.Fatalf("expected a cloned transport")
	}
}

package wsproxy

import (
	"net/url"
	"testing"
)

// TestResolveTarget_LocalhostRewrittenForRemoteClient grounds scenario 5: a
// client connecting from a non-loopback address that requests a loopback
// target gets redirected to the client's own address, the same rewrite
// mockttp applies so a remote caller's "localhost" means its own host, not
// the proxy's. Before isLoopbackHost existed, "localhost" never matched
// net.ParseIP's loopback check and this rewrite silently never fired.
func TestResolveTarget_LocalhostRewrittenForRemoteClient(t *testing.T) {
	u, err := url.Parse("ws://localhost/x")
	if err != nil {
		t.Fatalf("parsing test URL: %v", err)
	}
	req := &UpstreamRequest{URL: u, RemoteIPAddress: "10.0.0.5"}

	target, _, err := resolveTarget(req, nil)
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if got := target.Hostname(); got != "10.0.0.5" {
		t.Errorf("target host = %q, want rewritten to remote address 10.0.0.5", got)
	}
}

// TestResolveTarget_LoopbackClientKeepsLocalhost confirms the rewrite only
// fires for a remote caller: a loopback-originated request for a loopback
// target (the ordinary "developer hitting their own localhost" case) must
// not be redirected anywhere.
func TestResolveTarget_LoopbackClientKeepsLocalhost(t *testing.T) {
	u, err := url.Parse("ws://localhost/x")
	if err != nil {
		t.Fatalf("parsing test URL: %v", err)
	}
	req := &UpstreamRequest{URL: u, RemoteIPAddress: "127.0.0.1"}

	target, _, err := resolveTarget(req, nil)
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if got := target.Hostname(); got != "localhost" {
		t.Errorf("target host = %q, want left as localhost for a loopback client", got)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"localhost": true,
		"LOCALHOST": true,
		"127.0.0.1": true,
		"::1":       true,
		"10.0.0.5":  false,
		"example.com": false,
	}
	for host, want := range cases {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

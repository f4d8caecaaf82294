package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewClientIPExtractor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		trustedProxies []string
		expectedCIDRs  int
	}{
		{name: "nil proxies", trustedProxies: nil, expectedCIDRs: 0},
		{name: "single CIDR", trustedProxies: []string{"10.0.0.0/8"}, expectedCIDRs: 1},
		{name: "single IP without CIDR notation", trustedProxies: []string{"192.168.1.1"}, expectedCIDRs: 1},
		{name: "invalid entry is skipped", trustedProxies: []string{"invalid", "10.0.0.0/8"}, expectedCIDRs: 1},
		{name: "IPv6 single address", trustedProxies: []string{"::1"}, expectedCIDRs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewClientIPExtractor(tt.trustedProxies)
			assert.Len(t, e.trustedCIDRs, tt.expectedCIDRs)
		})
	}
}

func TestClientIPExtractor_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "no trusted proxies ignores header",
			remoteAddr: "203.0.113.7:5000",
			xff:        "1.1.1.1",
			want:       "203.0.113.7",
		},
		{
			name:       "untrusted peer ignores header",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "203.0.113.7:5000",
			xff:        "1.1.1.1",
			want:       "203.0.113.7",
		},
		{
			name:       "trusted peer uses first untrusted hop from the right",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.1.1:5000",
			xff:        "6.6.6.6, 198.51.100.2, 10.2.2.2",
			want:       "198.51.100.2",
		},
		{
			name:       "all hops trusted falls back to peer",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.1.1:5000",
			xff:        "10.3.3.3, ,10.2.2.2",
			want:       "10.1.1.1",
		},
		{
			name:       "trusted peer without header",
			trusted:    []string{"10.1.1.1"},
			remoteAddr: "10.1.1.1:5000",
			want:       "10.1.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set(headerXForwardedFor, tt.xff)
			}

			assert.Equal(t, tt.want, NewClientIPExtractor(tt.trusted).Extract(req))
		})
	}
}

func TestResolver_UsesTrustedProxies(t *testing.T) {
	t.Parallel()

	r := NewResolver(Config{TrustedProxies: []string{"10.0.0.0/8"}})
	req := newRequest("10.0.0.5:80", map[string]string{headerXForwardedFor: "198.51.100.9"})

	assert.Equal(t, "ip:198.51.100.9", r.Derive(req).ID)
}

package scanner

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in    string
		count int
		first string
		last  string
	}{
		{"192.168.1.50", 1, "192.168.1.50", "192.168.1.50"},
		{"  192.168.1.50  ", 1, "192.168.1.50", "192.168.1.50"},
		{"192.168.1.50/32", 1, "192.168.1.50", "192.168.1.50"},
		{"192.168.1.0/30", 2, "192.168.1.1", "192.168.1.2"},
		{"192.168.1.0/24", 254, "192.168.1.1", "192.168.1.254"},
		{"192.168.1.77/24", 254, "192.168.1.1", "192.168.1.254"},
		{"10.0.0.0/29", 6, "10.0.0.1", "10.0.0.6"},
		{"172.16.0.0/28", 14, "172.16.0.1", "172.16.0.14"},
		{"100.64.0.0/28", 14, "100.64.0.1", "100.64.0.14"},
		{"192.168.0.0/20", MaxHosts, "192.168.0.1", "192.168.15.254"},
		{"192.168.1.1-192.168.1.5", 5, "192.168.1.1", "192.168.1.5"},
		{"192.168.1.1 - 192.168.1.3", 3, "192.168.1.1", "192.168.1.3"},
		{"192.168.1.100-192.168.1.100", 1, "192.168.1.100", "192.168.1.100"},
		{"192.168.1.250-192.168.2.5", 12, "192.168.1.250", "192.168.2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			hosts, err := ParseRange(tt.in)
			require.NoError(t, err)
			require.Len(t, hosts, tt.count)
			assert.Equal(t, netip.MustParseAddr(tt.first), hosts[0])
			assert.Equal(t, netip.MustParseAddr(tt.last), hosts[len(hosts)-1])
		})
	}
}

func TestParseRange_Invalid(t *testing.T) {
	tests := map[string]error{
		"":                            ErrInvalidRange,
		"not.an.ip.address":           ErrInvalidRange,
		"192.168.1.0/99":              ErrInvalidRange,
		"192.168.1.1-not.an.ip":       ErrInvalidRange,
		"192.168.1.100-192.168.1.50":  ErrInvalidRange,
		"8.8.8.8":                     ErrPublicRange,
		"8.8.8.8/24":                  ErrPublicRange,
		"8.8.8.1-8.8.8.10":            ErrPublicRange,
		"fe80::1/64":                  ErrIPv6,
		"192.168.0.0/19":              ErrTooManyHosts,
		"192.168.0.0/16":              ErrTooManyHosts,
		"192.168.1.1-192.168.255.254": ErrTooManyHosts,
		"192.168.1.1-192.168.10.254":  ErrTooManyHosts,
	}
	for in, want := range tests {
		_, err := ParseRange(in)
		assert.ErrorIs(t, err, want, "%q", in)
	}
}

package iputil

import (
	"net/netip"
	"testing"
)

func TestParseIP(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"Valid IPv4", "192.168.1.1", "192.168.1.1", false},
		{"Valid IPv6", "2001:db8::1", "2001:db8::1", false},
		{"IPv4 with port", "1.2.3.4:8080", "1.2.3.4", false},
		{"IPv6 with brackets", "[::1]:443", "::1", false},
		{"IPv4 mapped", "::ffff:1.2.3.4", "1.2.3.4", false},
		{"Invalid IP", "not-an-ip", "", true},
		{"Empty string", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIP(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseIP() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"Valid CIDR /24", "192.168.1.0/24", "192.168.1.0/24", false},
		{"Unmasked CIDR", "10.0.0.7/8", "10.0.0.0/8", false},
		{"Single IPv4", "10.0.0.1", "10.0.0.1/32", false},
		{"Single IPv6", "2001:db8::1", "2001:db8::1/128", false},
		{"Invalid", "10.0.0.0/99", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrefix(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePrefix() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParsePrefix() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"IPv4 mapped IPv6", "::ffff:192.168.1.1", "192.168.1.1"},
		{"Regular IPv4", "8.8.8.8", "8.8.8.8"},
		{"Regular IPv6", "2001:db8::1", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := netip.ParseAddr(tt.input)
			got := NormalizeIP(addr)
			if got.String() != tt.want {
				t.Errorf("NormalizeIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPublic(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"Public IP", "8.8.8.8", true},
		{"Private IP", "192.168.1.1", false},
		{"Loopback", "127.0.0.1", false},
		{"Link local", "169.254.1.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := netip.ParseAddr(tt.ip)
			if got := IsPublic(addr); got != tt.want {
				t.Errorf("IsPublic(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	trusted, err := ParsePrefixes([]string{"10.0.0.0/8", "127.0.0.1"})
	if err != nil {
		t.Fatalf("ParsePrefixes() error = %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"No proxy header", "1.2.3.4", "", "1.2.3.4"},
		{"Untrusted peer ignores header", "8.8.8.8", "1.2.3.4", "8.8.8.8"},
		{"Trusted peer single hop", "10.0.0.5", "1.2.3.4", "1.2.3.4"},
		{"Spoofed leftmost entry is skipped", "10.0.0.5", "6.6.6.6, 1.2.3.4", "1.2.3.4"},
		{"Chain of trusted proxies", "127.0.0.1", "1.2.3.4, 10.1.1.1, 10.2.2.2", "1.2.3.4"},
		{"Malformed hop falls back to peer", "10.0.0.5", "garbage", "10.0.0.5"},
		{"Peer with port", "1.2.3.4:5555", "", "1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientIP(tt.remote, tt.xff, trusted); got != tt.want {
				t.Errorf("ClientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTrustedPeer(t *testing.T) {
	trusted, _ := ParsePrefixes([]string{"10.0.0.0/8"})

	tests := []struct {
		remote string
		want   bool
	}{
		{"10.0.0.5", true},
		{"203.0.113.9", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := TrustedPeer(tt.remote, trusted); got != tt.want {
			t.Errorf("TrustedPeer(%s) = %v, want %v", tt.remote, got, tt.want)
		}
	}
	if TrustedPeer("10.0.0.5", nil) {
		t.Error("TrustedPeer() with no proxies = true, want false")
	}
}

func TestCanonical(t *testing.T) {
	got, err := Canonical(" ::ffff:1.2.3.4 ")
	if err != nil || got != "1.2.3.4" {
		t.Errorf("Canonical() = %q, %v; want 1.2.3.4", got, err)
	}
	if _, err := Canonical("999.1.1.1"); err == nil {
		t.Errorf("Canonical() expected error for out-of-range octet")
	}
}

// Benchmark tests
func BenchmarkParseIP(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ParseIP("192.168.1.1")
	}
}

func BenchmarkClientIP(b *testing.B) {
	trusted, _ := ParsePrefixes([]string{"10.0.0.0/8"})
	for i := 0; i < b.N; i++ {
		ClientIP("10.0.0.5", "1.2.3.4, 10.1.1.1", trusted)
	}
}

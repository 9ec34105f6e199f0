package main

import "testing"

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		proto   string
		want    target
		wantErr bool
	}{
		{"host port", "127.0.0.1:7000", "tcp", target{"127.0.0.1", 7000}, false},
		{"bare port", ":7000", "tcp", target{"", 7000}, false},
		{"ipv6", "[::1]:53", "udp", target{"::1", 53}, false},
		{"multiaddr tcp", "/ip4/10.0.0.2/tcp/8080", "tcp", target{"10.0.0.2", 8080}, false},
		{"multiaddr udp6", "/ip6/::1/udp/9999", "udp", target{"::1", 9999}, false},
		{"multiaddr wrong transport", "/ip4/10.0.0.2/udp/8080", "tcp", target{}, true},
		{"multiaddr without ip", "/dns4/example.com/tcp/80", "tcp", target{}, true},
		{"missing port", "127.0.0.1", "tcp", target{}, true},
		{"port out of range", "127.0.0.1:70000", "tcp", target{}, true},
		{"garbage multiaddr", "/nope", "tcp", target{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTarget(tt.in, tt.proto)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("parseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

package main

import "testing"

func TestProbeURL(t *testing.T) {
	tests := []struct {
		explicit, addr, want string
	}{
		{"", "", "http://127.0.0.1:8080/healthz"},
		{"", ":9090", "http://localhost:9090/healthz"},
		{"", "0.0.0.0:8081", "http://0.0.0.0:8081/healthz"},
		{"http://relay:8080/healthz", ":9090", "http://relay:8080/healthz"},
	}
	for _, tt := range tests {
		if got := probeURL(tt.explicit, tt.addr); got != tt.want {
			t.Errorf("probeURL(%q, %q) = %q, want %q", tt.explicit, tt.addr, got, tt.want)
		}
	}
}

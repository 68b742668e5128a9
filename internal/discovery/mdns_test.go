package discovery

import (
	"slices"
	"strings"
	"testing"
)

func TestListenPort(t *testing.T) {
	tests := []struct {
		listen  string
		want    int
		wantErr bool
	}{
		{"127.0.0.1:8080", 8080, false},
		{":9000", 9000, false},
		{"[::1]:443", 443, false},
		{"localhost", 0, true},
		{"host:http", 0, true},
		{"host:0", 0, true},
		{"host:70000", 0, true},
	}
	for _, tt := range tests {
		got, err := listenPort(tt.listen)
		if (err != nil) != tt.wantErr {
			t.Errorf("listenPort(%q) err = %v, wantErr %v", tt.listen, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("listenPort(%q) = %d, want %d", tt.listen, got, tt.want)
		}
	}
}

func TestInstanceName(t *testing.T) {
	if got := instanceName("  Attic hub "); got != "Attic hub" {
		t.Errorf("got %q", got)
	}
	if got := instanceName(""); !strings.HasPrefix(got, "zwave-home") {
		t.Errorf("default instance = %q", got)
	}
}

func TestTXTRecords(t *testing.T) {
	got := txtRecords(Config{Version: "1.2.0", APIKey: true})
	want := []string{"path=/api", "ws=/ws", "version=1.2.0", "auth=api_key"}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got = txtRecords(Config{})
	if slices.Contains(got, "auth=api_key") || len(got) != 2 {
		t.Errorf("bare config: %v", got)
	}
}

func TestIsLoopback(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost": true,
		"127.0.0.1": true,
		"::1":       true,
		"":          false,
		"0.0.0.0":   false,
		"10.0.0.4":  false,
	} {
		if got := isLoopback(host); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestStopIdempotent(t *testing.T) {
	a := &Advertiser{}
	a.Stop()
	a.Stop()
}

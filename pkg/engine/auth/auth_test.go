package auth

import (
	"net/http/httptest"
	"testing"
)

func TestParseBearer(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{"valid", "Bearer gw_secret_1", "gw_secret_1", true},
		{"padded", "  Bearer   gw_secret_1  ", "gw_secret_1", true},
		{"missing", "", "", false},
		{"wrong scheme", "Basic Zm9vOmJhcg==", "", false},
		{"empty token", "Bearer   ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/stream", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			token, ok := ParseBearer(r)
			if ok != tt.wantOK || token != tt.wantToken {
				t.Fatalf("ParseBearer() = (%q, %v), want (%q, %v)", token, ok, tt.wantToken, tt.wantOK)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	allowed := map[string]struct{}{"gw_secret_1": {}}

	if err := Verify("gw_secret_1", allowed); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := Verify("", allowed); err == nil {
		t.Fatal("expected error for empty token")
	}
	if err := Verify("gw_wrong", allowed); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

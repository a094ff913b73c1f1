package auth

import "testing"

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "long enough", token: "0123456789abcdef"},
		{name: "too short", token: "short", wantErr: true},
		{name: "whitespace only", token: "                    ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateToken(tt.token)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := HashToken("admin-token-123456")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	if !VerifyToken(hash, "admin-token-123456") {
		t.Fatal("expected token to verify")
	}
	if VerifyToken(hash, "wrong") {
		t.Fatal("expected wrong token to fail")
	}
	if VerifyToken("", "admin-token-123456") {
		t.Fatal("expected empty hash to fail")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}
	if err := ValidateToken(a); err != nil {
		t.Fatalf("generated token should validate: %v", err)
	}
}

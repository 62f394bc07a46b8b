package socks5

import "testing"

func TestStaticCredentials_Valid(t *testing.T) {
	creds := StaticCredentials{
		"user1": "pass1",
		"user2": "pass2",
	}

	tests := []struct {
		username string
		password string
		want     bool
	}{
		{"user1", "pass1", true},
		{"user2", "pass2", true},
		{"user1", "wrong", false},
		{"unknown", "pass1", false},
		{"", "", false},
	}

	for _, tt := range tests {
		if got := creds.Valid(tt.username, tt.password); got != tt.want {
			t.Errorf("Valid(%q, %q) = %v, want %v", tt.username, tt.password, got, tt.want)
		}
	}
}

func TestHashedCredentials_Valid(t *testing.T) {
	creds := HashedCredentials{
		"user1": MustHashPassword("pass1"),
		"user2": MustHashPassword("pass2"),
	}

	tests := []struct {
		username string
		password string
		want     bool
	}{
		{"user1", "pass1", true},
		{"user2", "pass2", true},
		{"user1", "wrong", false},
		{"user2", "pass1", false},
		{"unknown", "pass1", false},
		{"", "", false},
	}

	for _, tt := range tests {
		if got := creds.Valid(tt.username, tt.password); got != tt.want {
			t.Errorf("Valid(%q, %q) = %v, want %v", tt.username, tt.password, got, tt.want)
		}
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("testpassword123")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if len(hash) < 4 || hash[0] != '$' || hash[1] != '2' {
		t.Errorf("HashPassword() returned invalid bcrypt hash prefix: %q", hash)
	}

	creds := HashedCredentials{"testuser": hash}
	if !creds.Valid("testuser", "testpassword123") {
		t.Error("Valid() returned false for correct password")
	}
	if creds.Valid("testuser", "wrongpassword") {
		t.Error("Valid() returned true for wrong password")
	}
}

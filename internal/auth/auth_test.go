package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestParseIdentity(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		wantID string
		wantNm string
	}{
		{"name claim", jwt.MapClaims{"sub": "u1", "name": "Ada Lovelace"}, "u1", "Ada Lovelace"},
		{"email fallback", jwt.MapClaims{"user_id": "u2", "email": "bob@example.org"}, "u2", "bob@example.org"},
		{"no name at all", jwt.MapClaims{"id": "u3"}, "u3", DefaultDisplayName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ParseIdentity(signed(t, tc.claims))
			if err != nil {
				t.Fatal(err)
			}
			if id.UserID != tc.wantID || id.DisplayName != tc.wantNm {
				t.Fatalf("identity = %+v", id)
			}
		})
	}

	if _, err := ParseIdentity("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestResolveOverrides(t *testing.T) {
	id, err := Resolve("opaque-token", "u9", "Nine")
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u9" || id.DisplayName != "Nine" {
		t.Fatalf("identity = %+v", id)
	}
	if _, err := Resolve("opaque-token", "", ""); err == nil {
		t.Fatal("opaque token without override must fail")
	}
}

func TestFileTokenReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := FromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if src.Token() != "first" {
		t.Fatalf("token = %q", src.Token())
	}

	changed := make(chan string, 4)
	src.OnChange(func(tok string) { changed <- tok })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case tok := <-changed:
		if tok != "second" {
			t.Fatalf("reloaded token = %q", tok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("token file change not observed")
	}
	if src.Token() != "second" {
		t.Fatalf("token after reload = %q", src.Token())
	}
}

func TestEmptyTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := FromFile(path); err == nil {
		t.Fatal("expected ErrNoToken")
	}
}

package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func writeCredentialsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".ota_credentials")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write credentials file: %v", err)
	}
	return path
}

func TestLoadParsesIdentityAndSecret(t *testing.T) {
	path := writeCredentialsFile(t, "admin;s3cret\n")
	cred, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cred.Identity != "admin" || cred.Secret != "s3cret" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestLoadKeepsSemicolonsInSecret(t *testing.T) {
	path := writeCredentialsFile(t, "admin;pa;ss;word\n")
	cred, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cred.Secret != "pa;ss;word" {
		t.Fatalf("expected secret split on first separator only, got %q", cred.Secret)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	cases := map[string]string{
		"no separator":   "adminsecret\n",
		"empty identity": ";secret\n",
		"empty secret":   "admin;\n",
		"empty file":     "",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeCredentialsFile(t, contents)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %q", contents)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGateAuthenticate(t *testing.T) {
	gate := NewGate(Credential{Identity: "admin", Secret: "s3cret"})

	if !gate.Authenticate("admin", "s3cret") {
		t.Fatal("expected matching pair to authenticate")
	}
	if gate.Authenticate("admin", "s3cres") {
		t.Fatal("expected near-miss secret to fail")
	}
	if gate.Authenticate("admim", "s3cret") {
		t.Fatal("expected wrong identity to fail")
	}
	if gate.Authenticate("", "s3cret") || gate.Authenticate("admin", "") {
		t.Fatal("expected empty inputs to fail")
	}
}

func TestGateAcceptsBcryptStoredSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}
	gate := NewGate(Credential{Identity: "admin", Secret: string(hash)})

	if !gate.Authenticate("admin", "s3cret") {
		t.Fatal("expected plaintext secret to match stored hash")
	}
	if gate.Authenticate("admin", "wrong") {
		t.Fatal("expected wrong secret to fail against stored hash")
	}
	if gate.Authenticate("admin", string(hash)) {
		t.Fatal("expected the hash itself to fail as a supplied secret")
	}
}

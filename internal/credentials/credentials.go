package credentials

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credential is the single admin identity/secret pair, loaded once at startup
// and never mutated.
type Credential struct {
	Identity string
	Secret   string
}

// Load reads the first line of the credentials file, formatted as
// "identity;secret". The secret may be stored as a bcrypt hash.
func Load(path string) (Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credential{}, fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return Credential{}, fmt.Errorf("credentials file %s is empty", path)
	}
	line := strings.TrimSpace(scanner.Text())
	identity, secret, ok := strings.Cut(line, ";")
	if !ok {
		return Credential{}, fmt.Errorf("credentials file %s: expected identity;secret", path)
	}
	if identity == "" || secret == "" {
		return Credential{}, fmt.Errorf("credentials file %s: identity and secret must be non-empty", path)
	}
	return Credential{Identity: identity, Secret: secret}, nil
}

// Gate validates supplied identity/secret pairs against the stored admin
// credential. Comparison does not leak timing information proportional to
// the mismatch position.
type Gate struct {
	cred Credential
}

// NewGate returns a gate over the given credential.
func NewGate(cred Credential) Gate {
	return Gate{cred: cred}
}

// Authenticate reports whether the supplied pair matches the stored
// credential. Empty identity or secret always fails.
func (g Gate) Authenticate(identity, secret string) bool {
	if identity == "" || secret == "" {
		return false
	}
	identityOK := subtle.ConstantTimeCompare([]byte(identity), []byte(g.cred.Identity)) == 1
	secretOK := g.secretMatches(secret)
	return identityOK && secretOK
}

func (g Gate) secretMatches(secret string) bool {
	if isBcryptHash(g.cred.Secret) {
		return bcrypt.CompareHashAndPassword([]byte(g.cred.Secret), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(g.cred.Secret)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

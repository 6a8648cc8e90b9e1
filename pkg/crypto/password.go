package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// HashPassword returns a bcrypt hash of the supplied password. All newly
// stored credentials use this scheme; the remaining schemes exist only to
// verify hashes migrated from earlier user stores.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Scheme pairs a stored-hash detector with its verification routine.
type Scheme struct {
	Name   string
	Detect func(stored string) bool
	Verify func(password, stored string) (bool, error)

	// Lenient schemes yield to the next scheme on mismatch instead of
	// deciding the outcome. Only the legacy catch-all schemes set this;
	// prefix-tagged schemes are authoritative for hashes they recognise.
	Lenient bool
}

// Verifier checks a plaintext password against a stored hash, trying each
// registered scheme in order. The first scheme whose detector matches decides
// the outcome.
type Verifier struct {
	schemes []Scheme
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithLegacySchemes enables plaintext-equality and unsalted SHA-256 hash
// verification for credentials imported from the pre-unification user store.
// Both are insecure and exist purely for migration compatibility.
func WithLegacySchemes() VerifierOption {
	return func(v *Verifier) {
		v.schemes = append(v.schemes, plaintextScheme(), sha256Scheme())
	}
}

// WithScheme registers an additional verification scheme after the defaults.
func WithScheme(s Scheme) VerifierOption {
	return func(v *Verifier) {
		v.schemes = append(v.schemes, s)
	}
}

// NewVerifier builds a Verifier supporting bcrypt and Django-style PBKDF2
// hashes, plus any schemes added through options.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		schemes: []Scheme{bcryptScheme(), pbkdf2Scheme()},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether password matches the stored hash. Malformed hashes,
// unsupported schemes and internal errors all yield false; no error detail is
// exposed so that responses cannot leak the stored hash format.
func (v *Verifier) Verify(password, stored string) bool {
	if stored == "" {
		return false
	}

	for _, scheme := range v.schemes {
		if !scheme.Detect(stored) {
			continue
		}

		ok, err := scheme.Verify(password, stored)
		if err == nil && ok {
			return true
		}
		if !scheme.Lenient {
			return false
		}
	}

	return false
}

func bcryptScheme() Scheme {
	return Scheme{
		Name: "bcrypt",
		Detect: func(stored string) bool {
			return strings.HasPrefix(stored, "$2a$") ||
				strings.HasPrefix(stored, "$2b$") ||
				strings.HasPrefix(stored, "$2y$")
		},
		Verify: func(password, stored string) (bool, error) {
			err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
			return err == nil, nil
		},
	}
}

const pbkdf2Prefix = "pbkdf2_sha256$"

// pbkdf2Scheme verifies Django-format hashes:
// pbkdf2_sha256$<iterations>$<salt>$<base64 digest>
func pbkdf2Scheme() Scheme {
	return Scheme{
		Name: "pbkdf2_sha256",
		Detect: func(stored string) bool {
			return strings.HasPrefix(stored, pbkdf2Prefix)
		},
		Verify: func(password, stored string) (bool, error) {
			parts := strings.SplitN(stored, "$", 4)
			if len(parts) != 4 {
				return false, fmt.Errorf("pbkdf2: malformed hash")
			}

			iterations, err := strconv.Atoi(parts[1])
			if err != nil || iterations <= 0 {
				return false, fmt.Errorf("pbkdf2: invalid iteration count %q", parts[1])
			}

			expected, err := base64.StdEncoding.DecodeString(parts[3])
			if err != nil {
				return false, fmt.Errorf("pbkdf2: decode digest: %w", err)
			}

			derived := pbkdf2.Key([]byte(password), []byte(parts[2]), iterations, len(expected), sha256.New)
			return subtle.ConstantTimeCompare(derived, expected) == 1, nil
		},
	}
}

// plaintextScheme matches any stored value, so it must sit behind prefixed
// schemes in the ordering. A mismatch falls through to the SHA-256 scheme.
func plaintextScheme() Scheme {
	return Scheme{
		Name:    "plaintext",
		Detect:  func(string) bool { return true },
		Lenient: true,
		Verify: func(password, stored string) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1, nil
		},
	}
}

func sha256Scheme() Scheme {
	return Scheme{
		Name:    "sha256",
		Detect:  func(string) bool { return true },
		Lenient: true,
		Verify: func(password, stored string) (bool, error) {
			digest := sha256.Sum256([]byte(password))
			encoded := hex.EncodeToString(digest[:])
			return subtle.ConstantTimeCompare([]byte(encoded), []byte(stored)) == 1, nil
		},
	}
}

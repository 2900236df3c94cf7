package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	hashPrefix  = "$argon2id$"
	hashSaltLen = 16
)

// ErrInvalidHash is returned for a gateway.auth.password value that starts
// like an argon2id hash but does not decode.
var ErrInvalidHash = errors.New("invalid argon2id hash")

// argonParams are the cost settings stored alongside each hash.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultArgon = argonParams{memory: 64 * 1024, time: 3, threads: 4, keyLen: 32}

func (p argonParams) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
}

// encode renders $argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>.
func (p argonParams) encode(salt, key []byte) string {
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		hashPrefix, argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// HashPassword creates an argon2id hash for gateway.auth.password.
func HashPassword(password string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return defaultArgon.encode(salt, defaultArgon.derive(password, salt)), nil
}

// IsHash reports whether s looks like an encoded argon2id hash.
func IsHash(s string) bool {
	return strings.HasPrefix(s, hashPrefix)
}

// VerifyPassword checks password against an encoded hash in constant time.
func VerifyPassword(password, encoded string) bool {
	p, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, p.derive(password, salt)) == 1
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	rest, ok := strings.CutPrefix(encoded, hashPrefix)
	if !ok {
		return p, nil, nil, fmt.Errorf("%w: unsupported algorithm", ErrInvalidHash)
	}
	parts := strings.Split(rest, "$")
	if len(parts) != 4 {
		return p, nil, nil, fmt.Errorf("%w: expected 4 fields after prefix, got %d", ErrInvalidHash, len(parts))
	}

	if parts[0] != "v="+strconv.Itoa(argon2.Version) {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, parts[0])
	}

	for _, kv := range strings.Split(parts[1], ",") {
		k, v, _ := strings.Cut(kv, "=")
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return p, nil, nil, fmt.Errorf("%w: bad parameter %q", ErrInvalidHash, kv)
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return p, nil, nil, fmt.Errorf("%w: parallelism %d out of range", ErrInvalidHash, n)
			}
			p.threads = uint8(n)
		default:
			return p, nil, nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalidHash, k)
		}
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, nil, nil, fmt.Errorf("%w: missing parameters", ErrInvalidHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: key encoding", ErrInvalidHash)
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}

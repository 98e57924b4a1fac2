package identity

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	maxPrincipalBytes = 29
	checksumBytes     = 4
	groupSize         = 5

	anonymousTag          = 0x04
	selfAuthenticatingTag = 0x02
)

var (
	// ErrInvalidPrincipal indicates malformed principal text or bytes.
	ErrInvalidPrincipal = errors.New("identity: invalid principal")

	principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

	// Anonymous is the principal used by callers that have not logged in.
	Anonymous = Principal{raw: string([]byte{anonymousTag})}
)

// Principal is an opaque caller reference issued by the identity provider. The zero
// value means "no principal".
type Principal struct {
	raw string
}

// FromBytes builds a principal from its raw form.
func FromBytes(b []byte) (Principal, error) {
	if len(b) == 0 || len(b) > maxPrincipalBytes {
		return Principal{}, fmt.Errorf("%w: length %d", ErrInvalidPrincipal, len(b))
	}
	return Principal{raw: string(b)}, nil
}

// SelfAuthenticating derives the principal owned by a DER encoded public key.
func SelfAuthenticating(publicKeyDER []byte) Principal {
	sum := sha256.Sum224(publicKeyDER)
	raw := make([]byte, 0, len(sum)+1)
	raw = append(raw, sum[:]...)
	raw = append(raw, selfAuthenticatingTag)
	return Principal{raw: string(raw)}
}

// Parse decodes the canonical text form and rejects anything that does not round-trip.
func Parse(text string) (Principal, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Principal{}, fmt.Errorf("%w: empty", ErrInvalidPrincipal)
	}
	compact := strings.ToUpper(strings.ReplaceAll(normalized, "-", ""))
	decoded, err := principalEncoding.DecodeString(compact)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	if len(decoded) <= checksumBytes {
		return Principal{}, fmt.Errorf("%w: too short", ErrInvalidPrincipal)
	}
	p, err := FromBytes(decoded[checksumBytes:])
	if err != nil {
		return Principal{}, err
	}
	if binary.BigEndian.Uint32(decoded[:checksumBytes]) != crc32.ChecksumIEEE([]byte(p.raw)) {
		return Principal{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidPrincipal)
	}
	if p.String() != normalized {
		return Principal{}, fmt.Errorf("%w: not canonical", ErrInvalidPrincipal)
	}
	return p, nil
}

// MustParse is Parse for constants and tests.
func MustParse(text string) Principal {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical text form.
func (p Principal) String() string {
	if p.raw == "" {
		return ""
	}
	buf := make([]byte, checksumBytes, checksumBytes+len(p.raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE([]byte(p.raw)))
	buf = append(buf, p.raw...)
	encoded := strings.ToLower(principalEncoding.EncodeToString(buf))

	var b strings.Builder
	for i := 0; i < len(encoded); i += groupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + groupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

// Bytes returns a copy of the raw form.
func (p Principal) Bytes() []byte {
	return []byte(p.raw)
}

// IsZero reports whether the principal is absent.
func (p Principal) IsZero() bool {
	return p.raw == ""
}

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool {
	return p == Anonymous
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the zero value.
func (p *Principal) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = Principal{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

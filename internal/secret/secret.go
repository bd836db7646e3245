package secret

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// secretBytes is the MTProto proxy secret length: 16 bytes, rendered
// as 32 hex characters in the -S flag and in tg:// links.
const secretBytes = 16

// Deriver produces per-user proxy secrets from the installation salt.
// Derivation is deterministic: the same (userID, generation) pair
// always yields the same secret, so a retried provision call allocates
// the identical secret the remote server may already hold. Bumping the
// generation after a revocation mints a fresh secret for a re-join.
type Deriver struct {
	salt []byte
}

func NewDeriver(salt []byte) *Deriver {
	return &Deriver{salt: salt}
}

// Derive returns the 32-char hex secret for a user at a given generation.
func (d *Deriver) Derive(userID int64, generation int) string {
	mac := hmac.New(sha256.New, d.salt)
	fmt.Fprintf(mac, "%d:%d", userID, generation)
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:secretBytes])
}

// LinkBuilder renders user-facing connection links for the proxy
// endpoint. No remote calls are involved.
type LinkBuilder struct {
	Host      string
	Port      int
	TLSDomain string
}

// Link builds a t.me proxy link for the given secret. With a fake-TLS
// domain configured the secret carries the "ee" prefix plus the
// hex-encoded domain; otherwise the padded-mode "dd" prefix.
func (b *LinkBuilder) Link(secret string) string {
	full := "dd" + secret
	if b.TLSDomain != "" {
		full = "ee" + secret + strings.ToLower(hex.EncodeToString([]byte(b.TLSDomain)))
	}

	q := url.Values{}
	q.Set("server", b.Host)
	q.Set("port", fmt.Sprintf("%d", b.Port))
	q.Set("secret", full)
	return "https://t.me/proxy?" + q.Encode()
}

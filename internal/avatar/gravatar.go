package avatar

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const gravatarBaseURL = "https://www.gravatar.com/avatar/"

// Gravatar derives default avatar URLs from email addresses.
type Gravatar struct {
	// Default is the fallback image style requested from gravatar
	// (identicon, retro, mp, ...).
	Default string
}

func NewGravatar() *Gravatar {
	return &Gravatar{Default: "identicon"}
}

// URL returns the gravatar URL for email. The same email always yields the
// same URL.
func (g *Gravatar) URL(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	u := gravatarBaseURL + hex.EncodeToString(sum[:])
	if g.Default == "" {
		return u
	}
	q := url.Values{}
	q.Set("d", g.Default)
	return u + "?" + q.Encode()
}

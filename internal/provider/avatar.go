package provider

import (
	"net/url"
	"strings"
)

const initialsAvatarBase = "https://api.dicebear.com/9.x/initials/svg"

// InitialsAvatarURI returns a generated avatar for users without a profile image.
func InitialsAvatarURI(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = "?"
	}
	q := url.Values{}
	q.Set("seed", seed)
	q.Set("fontWeight", "500")
	return initialsAvatarBase + "?" + q.Encode()
}

// WithAvatarFallback fills Image from the display name when it is empty.
func (u User) WithAvatarFallback() User {
	if strings.TrimSpace(u.Image) == "" {
		seed := u.Name
		if strings.TrimSpace(seed) == "" {
			seed = u.ID
		}
		u.Image = InitialsAvatarURI(seed)
	}
	return u
}

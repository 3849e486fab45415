package locker

import (
	"fmt"
	"net/url"
	"strings"
)

// CallbackPath is the path suffix every registration redirect URL ends in
const CallbackPath = "/oauth-callback"

// Attributes configure a Locker for one WebApi environment
type Attributes struct {
	EnvironmentName string   `yaml:"environment_name"`
	BasePath        string   `yaml:"base_path"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	RedirectURL     string   `yaml:"redirect_url"`
	Scope           []string `yaml:"scope"`

	// PublicKey is the PEM encoded RSA key request payloads are wrapped with
	PublicKey string `yaml:"public_key"`
}

// Validate reports the first missing or malformed attribute
func (a Attributes) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"base_path", a.BasePath},
		{"client_id", a.ClientID},
		{"client_secret", a.ClientSecret},
		{"redirect_url", a.RedirectURL},
		{"public_key", a.PublicKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s is empty", ErrAttributesNotConfigured, r.name)
		}
	}

	u, err := url.Parse(a.RedirectURL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: redirect_url needs a scheme", ErrAttributesNotConfigured)
	}
	if !strings.HasSuffix(u.Path, CallbackPath) {
		return fmt.Errorf("%w: redirect_url must end in %s", ErrAttributesNotConfigured, CallbackPath)
	}
	return nil
}

// matchesRedirect reports whether u is a callback to the configured
// redirect URL: same scheme, host and a path ending in CallbackPath
func (a Attributes) matchesRedirect(u *url.URL) bool {
	want, err := url.Parse(a.RedirectURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, want.Scheme) &&
		strings.EqualFold(u.Host, want.Host) &&
		strings.HasSuffix(u.Path, CallbackPath)
}

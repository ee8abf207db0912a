package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrInvalidCredentials is wrapped by every credential validation failure.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials identify the account a session authenticates as.
//
// The values are copies owned by the session; callers' buffers are never
// retained. Credentials are never persisted.
type Credentials struct {
	URL      string
	Email    string
	Password string
}

// NewCredentials validates and copies the three session arguments.
//
// All three must be non-empty valid UTF-8, and url must be an absolute
// http(s) URL with a host. A trailing slash on url is dropped because
// request paths are joined as baseURL + "/api/...".
func NewCredentials(rawURL, email, password string) (Credentials, error) {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"url", rawURL},
		{"email", email},
		{"password", password},
	} {
		if f.value == "" {
			return Credentials{}, fmt.Errorf("%w: %s is empty", ErrInvalidCredentials, f.name)
		}
		if !utf8.ValidString(f.value) {
			return Credentials{}, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidCredentials, f.name)
		}
	}

	base := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	parsed, err := url.Parse(base)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: parse url: %v", ErrInvalidCredentials, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Credentials{}, fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidCredentials, parsed.Scheme)
	}
	if parsed.Host == "" {
		return Credentials{}, fmt.Errorf("%w: url has no host", ErrInvalidCredentials)
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return Credentials{}, fmt.Errorf("%w: email is blank", ErrInvalidCredentials)
	}

	return Credentials{
		URL:      strings.Clone(base),
		Email:    strings.Clone(email),
		Password: strings.Clone(password),
	}, nil
}

// String renders the credentials with the password redacted.
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.Email, c.URL)
}

// LogValue implements slog.LogValuer so the password never reaches a log.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("url", c.URL),
		slog.String("email", c.Email),
	)
}

package globus

import (
	"fmt"
	"os"
	"strings"
)

// Token is a GOAuth token as stored in the auth file.
type Token struct {
	// Value is the raw token sent in the Authorization header.
	Value    string
	Username string
	Fields   map[string]string
}

// ParseToken splits a "un=<user>|tokenid=...|..." token into fields.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, fmt.Errorf("empty goauth token")
	}
	t := Token{Value: raw, Fields: map[string]string{}}
	for _, part := range strings.Split(raw, "|") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Token{}, fmt.Errorf("malformed goauth token field %q", part)
		}
		t.Fields[k] = v
	}
	t.Username = t.Fields["un"]
	if t.Username == "" {
		return Token{}, fmt.Errorf("goauth token has no un field")
	}
	return t, nil
}

// ReadTokenFile loads a token saved by a previous login.
func ReadTokenFile(path string) (Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Token{}, fmt.Errorf("read globus auth file: %w", err)
	}
	t, err := ParseToken(string(b))
	if err != nil {
		return Token{}, fmt.Errorf("globus auth file %s: %w", path, err)
	}
	return t, nil
}

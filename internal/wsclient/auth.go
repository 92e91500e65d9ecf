package wsclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// AuthMode selects how the client attaches a bearer token to the
// handshake.
type AuthMode int

const (
	// AuthModeQuery appends the token as a URL query parameter.
	AuthModeQuery AuthMode = iota
	// AuthModeSubprotocol encodes the token into a Sec-WebSocket-Protocol entry.
	AuthModeSubprotocol
)

// TokenFunc retrieves the current bearer token. It is called afresh on
// every connect attempt, including reconnects, so rotation requires no
// restart.
type TokenFunc func(ctx context.Context) (string, error)

// AuthConfig controls how TokenFunc's result is attached to the
// handshake.
type AuthConfig struct {
	Mode AuthMode

	// QueryParamName is the URL query key used in AuthModeQuery.
	// Defaults to "access_token".
	QueryParamName string

	// SubprotocolPrefix precedes the token in the synthesized
	// subprotocol entry, e.g. "bearer." yields "bearer.<token>".
	// Must contain no whitespace or comma (RFC 6455 forbids both in a
	// subprotocol token). New does not check it; it is checked on every
	// connect attempt, before dialing, and a bad prefix makes Connect
	// return an error.
	SubprotocolPrefix string

	// PrependSubprotocol controls whether the auth subprotocol is
	// placed before or after the user-supplied subprotocols.
	PrependSubprotocol bool
}

// validateSubprotocolPrefix rejects a prefix containing whitespace or
// a comma, either of which would violate RFC 6455's token grammar for
// Sec-WebSocket-Protocol.
func validateSubprotocolPrefix(prefix string) error {
	if strings.ContainsAny(prefix, " \t\r\n,") {
		return fmt.Errorf("wsclient: subprotocol prefix %q contains whitespace or a comma", prefix)
	}
	return nil
}

// attachQueryToken returns rawURL with the configured query parameter
// set to token. If token is empty, rawURL is returned unchanged.
func attachQueryToken(rawURL, paramName, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("wsclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set(paramName, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildSubprotocols combines userProtocols with the auth subprotocol
// (prefix+token), deduplicating while preserving first occurrence,
// filtering empty strings, and returning nil if the result is empty
// (callers should send no Sec-WebSocket-Protocol header at all in that
// case, not an empty one).
func buildSubprotocols(userProtocols []string, prefix, token string, prepend bool) []string {
	var combined []string
	authProto := ""
	if token != "" {
		authProto = prefix + token
	}

	if prepend && authProto != "" {
		combined = append(combined, authProto)
	}
	combined = append(combined, userProtocols...)
	if !prepend && authProto != "" {
		combined = append(combined, authProto)
	}

	seen := make(map[string]struct{}, len(combined))
	out := make([]string, 0, len(combined))
	for _, p := range combined {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

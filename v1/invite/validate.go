package invite

import (
	stdErrors "errors"
	"fmt"
	"strings"
)

const (
	// MinIdentifierLen is the shortest username considered real.
	MinIdentifierLen = 3
	// MinTokenLen is the shortest auth token worth handing to the agent.
	MinTokenLen = 20
)

var (
	ErrMalformedIdentifier = stdErrors.New("malformed identifier")
	ErrMalformedToken      = stdErrors.New("malformed token")
)

// NormalizeIdentifier trims whitespace and a leading "@" and rejects
// identifiers too short to be real.
func NormalizeIdentifier(raw string) (string, error) {
	id := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if len(id) < MinIdentifierLen {
		return "", fmt.Errorf("%w: %q is shorter than %d characters", ErrMalformedIdentifier, raw, MinIdentifierLen)
	}
	return id, nil
}

// NormalizeToken trims whitespace and surrounding quotes.
func NormalizeToken(raw string) (string, error) {
	tok := strings.Trim(strings.TrimSpace(raw), `"'`)
	if len(tok) < MinTokenLen {
		return "", fmt.Errorf("%w: shorter than %d characters", ErrMalformedToken, MinTokenLen)
	}
	return tok, nil
}

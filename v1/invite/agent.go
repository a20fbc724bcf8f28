package invite

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Agent performs the external action for one account and reports the
// identifier it observed. An empty identifier means none could be read.
type Agent interface {
	Join(ctx context.Context, token string) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, token string) (string, error)

// Join implements Agent.
func (f AgentFunc) Join(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Promoter runs the end-of-run batch step over every recorded identifier.
type Promoter interface {
	Promote(ctx context.Context, adminToken string, ids []string) error
}

// PromoterFunc adapts a function to Promoter.
type PromoterFunc func(ctx context.Context, adminToken string, ids []string) error

// Promote implements Promoter.
func (f PromoterFunc) Promote(ctx context.Context, adminToken string, ids []string) error {
	return f(ctx, adminToken, ids)
}

// CommandAgent runs an external program per account. The token is written
// to its stdin and the first line of its stdout is taken as the identifier.
type CommandAgent struct {
	Path string
	Args []string
}

// Join implements Agent.
func (a CommandAgent) Join(ctx context.Context, token string) (string, error) {
	out, err := run(ctx, a.Path, a.Args, token+"\n")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(out, "\n")
	return strings.TrimSpace(line), nil
}

// CommandPromoter runs an external program once with the admin token on the
// first stdin line followed by one identifier per line.
type CommandPromoter struct {
	Path string
	Args []string
}

// Promote implements Promoter.
func (p CommandPromoter) Promote(ctx context.Context, adminToken string, ids []string) error {
	input := adminToken + "\n" + strings.Join(ids, "\n") + "\n"
	_, err := run(ctx, p.Path, p.Args, input)
	return err
}

func run(ctx context.Context, path string, args []string, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", path, err, msg)
		}
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return stdout.String(), nil
}

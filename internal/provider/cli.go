package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CLI runs a local inference command with the prompt on stdin and reads
// the answer from stdout.
// cliWaitDelay bounds how long Analyze waits for output pipes after the
// command has been killed.
const cliWaitDelay = 100 * time.Millisecond

type CLI struct {
	path    string
	args    []string
	timeout time.Duration
}

var _ Provider = (*CLI)(nil)

// NewCLI builds the CLI provider from a command line such as
// "ollama run llama3".
func NewCLI(commandLine string, timeout time.Duration) *CLI {
	fields := strings.Fields(commandLine)
	c := &CLI{timeout: timeout}
	if len(fields) > 0 {
		c.path = fields[0]
		c.args = fields[1:]
	}
	return c
}

func (c *CLI) Kind() domain.ProviderKind { return domain.ProviderLocalCLI }

func (c *CLI) Timeout() time.Duration { return c.timeout }

// Probe checks the executable can be found.
func (c *CLI) Probe(ctx context.Context) error {
	if c.path == "" {
		return ErrNotConfigured
	}
	if _, err := exec.LookPath(c.path); err != nil {
		return fmt.Errorf("lookup %s: %w", c.path, err)
	}
	return nil
}

func (c *CLI) Analyze(ctx context.Context, req *domain.AnalysisRequest) (string, error) {
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = strings.NewReader(fullPrompt(req))
	// Grandchildren may keep the output pipes open after the command is
	// killed; stop waiting on them once the grace period ends.
	cmd.WaitDelay = cliWaitDelay
	killProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("cli cancelled: %w", ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return "", fmt.Errorf("cli %s: %w: %s", c.path, err, msg)
	}

	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("cli %s: %w: empty output", c.path, ErrMalformedResponse)
	}
	return out, nil
}

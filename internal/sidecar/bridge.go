package sidecar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Bridge carries one batch of requests to the sidecar and returns
// everything it wrote back.
type Bridge interface {
	Exchange(ctx context.Context, input []byte) ([]byte, error)
}

// ExecBridge starts the sidecar command per exchange, feeds input on stdin
// and collects stdout, e.g. `docker exec -i terraform-mcp-server terraform-mcp-server stdio`.
type ExecBridge struct {
	Argv []string
}

func NewExecBridge(command string) *ExecBridge {
	return &ExecBridge{Argv: strings.Fields(command)}
}

func (b *ExecBridge) Exchange(ctx context.Context, input []byte) ([]byte, error) {
	if len(b.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty sidecar command", ErrUnavailable)
	}
	cmd := exec.CommandContext(ctx, b.Argv[0], b.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && stdout.Len() > 0 {
		// stdio servers may exit non-zero once stdin closes; keep what they answered
		return stdout.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %v: %s", ErrUnavailable, err, strings.TrimSpace(stderr.String()))
}

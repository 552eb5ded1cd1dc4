package video

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExecutor runs a built command.
type CommandExecutor interface {
	// Output runs the command and returns its standard output. Standard
	// error is folded into the returned error on failure.
	Output() ([]byte, error)
}

// CommandBuilder builds external commands, so capture can be tested without
// ffmpeg installed.
type CommandBuilder interface {
	BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor
}

// ExecCommandBuilder implements CommandBuilder using exec.CommandContext.
type ExecCommandBuilder struct{}

func (ExecCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	return &execCommand{cmd: exec.CommandContext(ctx, name, args...)}
}

type execCommand struct {
	cmd *exec.Cmd
}

func (e *execCommand) Output() ([]byte, error) {
	var stdout, stderr bytes.Buffer
	e.cmd.Stdout = &stdout
	e.cmd.Stderr = &stderr
	if err := e.cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.cmd.Path, err, lastLine(msg))
		}
		return nil, fmt.Errorf("%s: %w", e.cmd.Path, err)
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	shellDefaultTimeout = 30 * time.Second
	shellMaxTimeout     = 300 * time.Second
	shellOutputLimit    = 32 * 1024
)

// ShellTool runs commands in the configured workspace directory.
type ShellTool struct {
	workdir string
}

// NewShellTool creates the shell tool rooted at workdir.
func NewShellTool(workdir string) *ShellTool {
	return &ShellTool{workdir: workdir}
}

func (t *ShellTool) Definition() Definition {
	return Definition{
		Name:        "shell",
		Description: "Run a shell command and return its combined output.",
		Operations: map[string]Operation{
			"run": {
				Description: "Execute a command with a bounded timeout",
				Params: map[string]Param{
					"command":     {Type: "string", Description: "Command line to run"},
					"timeout_sec": {Type: "number", Description: "Timeout in seconds (default 30, max 300)"},
				},
				Required: []string{"command"},
			},
		},
	}
}

func (t *ShellTool) Validate(args map[string]interface{}) error {
	cmd, _ := args["command"].(string)
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("command must not be empty")
	}
	return nil
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
	command, _ := args["command"].(string)

	timeout := shellDefaultTimeout
	if sec := intArg(args, "timeout_sec"); sec > 0 {
		timeout = time.Duration(sec) * time.Second
		if timeout > shellMaxTimeout {
			timeout = shellMaxTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > shellOutputLimit {
		output = output[:shellOutputLimit] + "\n... (output truncated)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		if output == "" {
			return "", err
		}
		return fmt.Sprintf("%s\n(exit error: %s)", output, err), nil
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

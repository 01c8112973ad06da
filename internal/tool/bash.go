package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/permission"
)

const (
	defaultBashTimeout = 2 * time.Minute
	maxBashOutput      = 50 * 1024
)

// BashTool runs shell commands in the workspace. Every command passes the
// bash permission gate with command-root wildcard patterns, so an "always"
// approval of "echo *" covers later echo invocations.
type BashTool struct {
	workdir string
}

func NewBashTool(workdir string) *BashTool {
	return &BashTool{workdir: workdir}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Run a shell command in the workspace and return its output"
}

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to run",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 120)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, call Call, input map[string]any) (Result, error) {
	command, _ := input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return Result{}, fmt.Errorf("command is required")
	}

	patterns := CommandPatterns(command)
	if err := call.Ask(ctx, permission.TypeBash, patterns, command, map[string]any{
		"command": command,
	}); err != nil {
		return Result{}, err
	}

	timeout := defaultBashTimeout
	if secs, ok := input["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = t.workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	output := out.String()
	if len(output) > maxBashOutput {
		output = output[:maxBashOutput] + "\n... output truncated"
	}

	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("run command: %w", runErr)
	}

	return Result{
		Title:  command,
		Output: output,
		Metadata: map[string]any{
			"command":  command,
			"exitCode": exitCode,
		},
	}, nil
}

// CommandPatterns derives approval patterns from a command line: each
// sub-command contributes its root word widened to "root *" when arguments
// follow, or the bare word otherwise.
func CommandPatterns(command string) []string {
	var patterns []string
	seen := make(map[string]bool)
	for _, segment := range splitCommand(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		root := fields[0]
		// Skip env assignments preceding the actual command.
		for len(fields) > 1 && strings.Contains(root, "=") {
			fields = fields[1:]
			root = fields[0]
		}
		pattern := root
		if len(fields) > 1 {
			pattern = root + " *"
		}
		if !seen[pattern] {
			seen[pattern] = true
			patterns = append(patterns, pattern)
		}
	}
	if len(patterns) == 0 {
		return []string{command}
	}
	return patterns
}

// splitCommand breaks a command line on shell connectors outside quotes.
func splitCommand(command string) []string {
	var segments []string
	var cur strings.Builder
	var quote byte
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		if quote != 0 {
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			cur.WriteByte(c)
		case '|', ';':
			flush()
			if c == '|' && i+1 < len(command) && command[i+1] == '|' {
				i++
			}
		case '&':
			if i+1 < len(command) && command[i+1] == '&' {
				flush()
				i++
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segments
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/tool"
)

// TaskTool runs a delegated prompt in a child session. The child inherits the
// parent's approvals through the broker, and its own permission asks forward
// to the parent for answering. Aborting the parent turn aborts the child.
type TaskTool struct {
	runner *Runner
}

func NewTaskTool(r *Runner) *TaskTool { return &TaskTool{runner: r} }

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Delegate a self-contained task to a sub-agent running in a child session. " +
		"The sub-agent works with its own context window and returns a final report."
}

func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "Short title for the task",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Full instructions for the sub-agent",
			},
			"agent": map[string]any{
				"type":        "string",
				"description": "Agent to run the task with (optional)",
			},
		},
		"required": []string{"description", "prompt"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, call tool.Call, input map[string]any) (tool.Result, error) {
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return tool.Result{}, errors.New("task: prompt is required")
	}
	title, _ := input["description"].(string)
	if title == "" {
		title = "task"
	}
	agent, _ := input["agent"].(string)

	child, err := t.runner.sessions.Create(CreateParams{
		Title:    title,
		ParentID: call.SessionID,
		Source:   SourceBackground,
	})
	if err != nil {
		return tool.Result{}, err
	}

	// Cascade parent cancellation into the child's turn.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.runner.locks.Abort(child.ID)
		case <-done:
		}
	}()

	msg, err := t.runner.Prompt(ctx, PromptInput{
		SessionID: child.ID,
		Text:      prompt,
		Agent:     agent,
	})
	if err != nil {
		return tool.Result{}, fmt.Errorf("task: %w", err)
	}
	if msg.Error != nil && msg.Error.Kind == message.ErrorAborted {
		return tool.Result{}, ErrAborted
	}

	output, err := t.finalText(child.ID, msg.ID)
	if err != nil {
		return tool.Result{}, err
	}
	if output == "" {
		output = "(sub-agent produced no text)"
	}
	return tool.Result{
		Title:  title,
		Output: output,
		Metadata: map[string]any{
			"sessionID": child.ID,
			"cost":      msg.Cost,
			"tokens":    msg.Tokens.Total(),
		},
	}, nil
}

func (t *TaskTool) finalText(sessionID, messageID string) (string, error) {
	parts, err := t.runner.log.Parts(sessionID, messageID)
	if err != nil {
		return "", err
	}
	var chunks []string
	for _, part := range parts {
		if part.Type == message.PartText && part.Text != "" {
			chunks = append(chunks, part.Text)
		}
	}
	return strings.Join(chunks, "\n\n"), nil
}

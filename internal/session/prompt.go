package session

import (
	"fmt"
	"runtime"
	"time"
)

// systemPrompt builds the system blocks for one provider step: the base
// header, the agent's prompt, and the environment block.
func systemPrompt(providerID, agentPrompt, workdir string) []string {
	blocks := []string{header(providerID)}
	if agentPrompt != "" {
		blocks = append(blocks, agentPrompt)
	}
	blocks = append(blocks, environment(workdir))
	return blocks
}

func header(providerID string) string {
	base := "You are a coding assistant operating inside the user's workspace. " +
		"Use the available tools to inspect and modify the project. " +
		"Prefer small, verifiable steps and report what you changed."
	if providerID == "anthropic" {
		return base + " Keep responses concise; the user reads them in a terminal."
	}
	return base
}

func environment(workdir string) string {
	return fmt.Sprintf("<environment>\nworking directory: %s\nplatform: %s/%s\ndate: %s\n</environment>",
		workdir, runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02"))
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/id"
	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/provider"
	"github.com/kilnhq/kiln/internal/snapshot"
	"github.com/kilnhq/kiln/pkg/protocol"
)

// Context accounting constants. OutputTokenMax caps the reservation taken out
// of the context window for the model's reply; the prune thresholds bound how
// much completed tool output survives compaction.
const (
	OutputTokenMax = 32000
	PruneProtect   = 40000
	PruneMinimum   = 20000
)

const resumeRequestMax = 500

const summarizeInstruction = "Summarize this conversation for a fresh context window. " +
	"Cover the user's original request, what has been done so far, key decisions " +
	"and why they were made, the current state of the work, and what remains. " +
	"Be specific about file paths, commands, and code identifiers."

// shouldCompact is the overflow predicate evaluated at each step-finish.
func shouldCompact(tokens message.TokenUsage, info provider.ModelInfo) bool {
	if autocompactDisabled() || info.Limits.Context == 0 {
		return false
	}
	output := info.Limits.Output
	if output <= 0 || output > OutputTokenMax {
		output = OutputTokenMax
	}
	return tokens.Total() > info.Limits.Context-output
}

func autocompactDisabled() bool {
	switch os.Getenv("KILN_AUTOCOMPACT") {
	case "false", "0", "off":
		return true
	}
	return false
}

// Compact runs a manual compaction. It takes the session lock itself, so it
// fails with ErrSessionLocked while a turn is active.
func (r *Runner) Compact(ctx context.Context, sessionID string) error {
	if _, err := r.sessions.Get(sessionID); err != nil {
		return err
	}
	lock, err := r.locks.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer lock.Release()
	st, err := r.resolveTurn(PromptInput{SessionID: sessionID})
	if err != nil {
		return err
	}
	return r.compactLocked(lock.Context(), st, sessionID)
}

// compactLocked summarizes the log, prunes old tool output, and writes the
// resume context. The caller holds the session lock.
func (r *Runner) compactLocked(ctx context.Context, st *turnState, sessionID string) error {
	if err := r.sessions.touch(sessionID, func(s *Info) { s.Time.Compacting = now() }); err != nil {
		return err
	}
	defer func() {
		if err := r.sessions.touch(sessionID, func(s *Info) { s.Time.Compacting = 0 }); err != nil {
			slog.Warn("failed to clear compacting flag", "session", sessionID, "error", err)
		}
	}()
	msgs, err := r.log.Messages(sessionID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	r.progress(sessionID, protocol.CompactStepStarted, map[string]any{
		"messagesCount": len(msgs),
		"tokensInput":   latestInputTokens(msgs),
	})

	text, usage, err := r.summarize(ctx, st, msgs)
	if err != nil {
		return fmt.Errorf("compact: summarize: %w", err)
	}
	r.progress(sessionID, protocol.CompactStepContext, nil)

	// The summary message is the new assembly anchor.
	sum := message.Message{
		ID:         id.Ascending(id.PrefixMessage),
		SessionID:  sessionID,
		Role:       message.RoleAssistant,
		ProviderID: st.providerID,
		ModelID:    st.modelID,
		Agent:      st.agentName,
		Summary:    true,
		Tokens:     usage,
		Time:       message.Time{Created: now(), Completed: now()},
	}
	if err := r.log.UpdateMessage(sum); err != nil {
		return err
	}
	part := message.Part{
		ID:        id.Ascending(id.PrefixPart),
		MessageID: sum.ID,
		SessionID: sessionID,
		Type:      message.PartText,
		Text:      text,
		Time:      message.PartTime{Start: now(), End: now()},
	}
	if err := r.log.UpdatePart(part, ""); err != nil {
		return err
	}

	if err := r.pruneToolOutputs(msgs); err != nil {
		slog.Warn("prune failed", "session", sessionID, "error", err)
	}

	if err := r.writeResume(ctx, sessionID, msgs); err != nil {
		return err
	}

	r.bus.Publish(protocol.EventSessionCompacted, map[string]any{
		"sessionID": sessionID,
		"messageID": sum.ID,
	})
	r.progress(sessionID, protocol.CompactStepDone, nil)
	slog.Info("session compacted", "session", sessionID, "summary", sum.ID)
	return nil
}

func (r *Runner) progress(sessionID, step string, data map[string]any) {
	props := map[string]any{
		"sessionID": sessionID,
		"step":      step,
	}
	if data != nil {
		props["data"] = data
	}
	r.bus.Publish(protocol.EventCompactingProgress, props)
}

// latestInputTokens is the context size at the last completed provider step.
func latestInputTokens(msgs []message.WithParts) int64 {
	for i := len(msgs) - 1; i >= 0; i-- {
		info := msgs[i].Info
		if info.Role == message.RoleAssistant && info.Tokens.Total() > 0 {
			return info.Tokens.Input + info.Tokens.Cache.Read
		}
	}
	return 0
}

// summarize asks the turn's model for a summary of the assembled log, with
// the same retry policy as a provider step.
func (r *Runner) summarize(ctx context.Context, st *turnState, msgs []message.WithParts) (string, message.TokenUsage, error) {
	req := provider.Request{
		Model:     st.modelID,
		System:    []string{"You compress coding sessions into resumable summaries."},
		Messages:  append(assemble(msgs), provider.Message{Role: "user", Content: summarizeInstruction}),
		MaxTokens: summaryMaxTokens(st.info),
	}

	start := time.Now()
	maxRetries := r.cfg.Get().Defaults.ChatMaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	for attempt := 1; ; attempt++ {
		text, usage, err := r.summarizeOnce(ctx, st, req)
		if err == nil {
			return text, usage, nil
		}
		if errors.Is(err, ErrAborted) || ctx.Err() != nil {
			return "", message.TokenUsage{}, ErrAborted
		}
		if !provider.Retryable(err) || attempt > maxRetries {
			return "", message.TokenUsage{}, err
		}
		if serr := sleepRetry(ctx, getBoundedDelay(err, attempt, start)); serr != nil {
			return "", message.TokenUsage{}, serr
		}
	}
}

func (r *Runner) summarizeOnce(ctx context.Context, st *turnState, req provider.Request) (string, message.TokenUsage, error) {
	stream, err := st.prov.Stream(ctx, req)
	if err != nil {
		return "", message.TokenUsage{}, err
	}
	defer stream.Close()

	var b strings.Builder
	var usage message.TokenUsage
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", usage, ErrAborted
			}
			return "", usage, err
		}
		switch ev.Type {
		case provider.EventTextDelta:
			b.WriteString(ev.Text)
		case provider.EventStepFinish:
			if ev.Usage != nil {
				usage = message.TokenUsage{
					Input:     ev.Usage.Input,
					Output:    ev.Usage.Output,
					Reasoning: ev.Usage.Reasoning,
					Cache:     message.CacheUsage{Read: ev.Usage.CacheRead, Write: ev.Usage.CacheWrite},
				}
			}
		case provider.EventError:
			if ev.Err != nil {
				return "", usage, ev.Err
			}
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", usage, errors.New("empty summary")
	}
	return text, usage, nil
}

func summaryMaxTokens(info provider.ModelInfo) int64 {
	max := info.Limits.Output
	if max <= 0 || max > OutputTokenMax {
		max = OutputTokenMax
	}
	return max
}

// writeResume appends the synthetic user message that re-grounds the next
// turn: the original request, touched files, plan, and git state.
func (r *Runner) writeResume(ctx context.Context, sessionID string, msgs []message.WithParts) error {
	var b strings.Builder
	b.WriteString("This session was compacted to free context. Continue from the summary above.")

	if req := originalRequest(msgs); req != "" {
		b.WriteString("\n\n<original-request>\n")
		b.WriteString(req)
		b.WriteString("\n</original-request>")
	}
	if files := touchedFiles(msgs); len(files) > 0 {
		b.WriteString("\n\n<files-touched>\n")
		b.WriteString(strings.Join(files, "\n"))
		b.WriteString("\n</files-touched>")
	}
	if todos, err := r.sessions.Todos(sessionID); err == nil && len(todos) > 0 {
		b.WriteString("\n\n<plan>")
		for _, todo := range todos {
			b.WriteString(fmt.Sprintf("\n[%s] %s", todo.Status, todo.Content))
		}
		b.WriteString("\n</plan>")
	}
	if state := snapshot.ReadGitState(ctx, r.workdir); state.Branch != "" {
		b.WriteString("\n\n<git>\nbranch: ")
		b.WriteString(state.Branch)
		if len(state.Uncommitted) > 0 {
			b.WriteString("\nuncommitted: ")
			b.WriteString(strings.Join(state.Uncommitted, ", "))
		}
		b.WriteString("\n</git>")
	}

	user := message.Message{
		ID:        id.Ascending(id.PrefixMessage),
		SessionID: sessionID,
		Role:      message.RoleUser,
		Time:      message.Time{Created: now(), Completed: now()},
	}
	if err := r.log.UpdateMessage(user); err != nil {
		return err
	}
	part := message.Part{
		ID:        id.Ascending(id.PrefixPart),
		MessageID: user.ID,
		SessionID: sessionID,
		Type:      message.PartText,
		Text:      b.String(),
		Synthetic: true,
		Time:      message.PartTime{Start: now(), End: now()},
	}
	return r.log.UpdatePart(part, "")
}

// originalRequest is the first real user text, truncated for the resume block.
func originalRequest(msgs []message.WithParts) string {
	for _, msg := range msgs {
		if msg.Info.Role != message.RoleUser {
			continue
		}
		var text string
		for _, part := range msg.Parts {
			if part.Type == message.PartText && !part.Synthetic && part.Text != "" {
				text = part.Text
				break
			}
		}
		if text == "" {
			continue
		}
		if len(text) > resumeRequestMax {
			text = text[:resumeRequestMax] + "..."
		}
		return text
	}
	return ""
}

// touchedFiles ranks files seen in tool metadata by how often they came up.
func touchedFiles(msgs []message.WithParts) []string {
	counts := make(map[string]int)
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			if part.Type != message.PartTool || part.State == nil {
				continue
			}
			if path, ok := part.State.Metadata["filePath"].(string); ok && path != "" {
				counts[path]++
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	files := make([]string, 0, len(counts))
	for path := range counts {
		files = append(files, path)
	}
	sort.Slice(files, func(i, j int) bool {
		if counts[files[i]] != counts[files[j]] {
			return counts[files[i]] > counts[files[j]]
		}
		return files[i] < files[j]
	})
	const maxFiles = 15
	if len(files) > maxFiles {
		extra := len(files) - maxFiles
		files = files[:maxFiles]
		files = append(files, fmt.Sprintf("and %d more", extra))
	}
	return files
}

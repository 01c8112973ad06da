package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/id"
	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/permission"
	"github.com/kilnhq/kiln/internal/plugin"
	"github.com/kilnhq/kiln/internal/provider"
	"github.com/kilnhq/kiln/internal/tool"
	"github.com/kilnhq/kiln/internal/trace"
	"github.com/kilnhq/kiln/pkg/protocol"
)

// ErrAgentNotFound reports an unknown or disabled agent.
var ErrAgentNotFound = errors.New("session: agent not found")

// PromptInput is one turn request.
type PromptInput struct {
	SessionID string
	Text      string
	Parts     []message.Part
	Tools     map[string]bool
	Agent     string
	Model     string
}

// RunnerOptions wires the runner's collaborators.
type RunnerOptions struct {
	Sessions  *Manager
	Config    *config.Service
	Providers *provider.Registry
	Tools     *tool.Registry
	Broker    *permission.Broker
	Plugins   *plugin.Registry
	Workdir   string
}

// Runner executes turns: one user message and the assistant/tool activity it
// drives, until the model emits a terminal step, an error is fatal, or abort
// fires.
type Runner struct {
	sessions  *Manager
	log       *Log
	locks     *Locks
	bus       *bus.Bus
	cfg       *config.Service
	providers *provider.Registry
	tools     *tool.Registry
	broker    *permission.Broker
	plugins   *plugin.Registry
	workdir   string
}

func NewRunner(b *bus.Bus, opts RunnerOptions) *Runner {
	return &Runner{
		sessions:  opts.Sessions,
		log:       opts.Sessions.Log(),
		locks:     opts.Sessions.Locks(),
		bus:       b,
		cfg:       opts.Config,
		providers: opts.Providers,
		tools:     opts.Tools,
		broker:    opts.Broker,
		plugins:   opts.Plugins,
		workdir:   opts.Workdir,
	}
}

// turnState carries the resolved per-turn settings; a graceful agent switch
// rebuilds it between steps.
type turnState struct {
	agentName  string
	agentCfg   config.AgentConfig
	providerID string
	modelID    string
	prov       provider.Provider
	info       provider.ModelInfo
	temp       *float64
	topP       *float64
	enabled    map[string]bool
	gate       *permission.Gate
}

func now() int64 { return time.Now().UnixMilli() }

// Prompt runs one turn. The returned message is the terminal assistant
// message; progress streams over the event bus.
func (r *Runner) Prompt(ctx context.Context, in PromptInput) (message.Message, error) {
	if _, err := r.sessions.Get(in.SessionID); err != nil {
		return message.Message{}, err
	}
	lock, err := r.locks.Acquire(in.SessionID)
	if err != nil {
		return message.Message{}, err
	}
	defer lock.Release()
	tctx := lock.Context()

	in = r.expandCommand(in)

	tctx, span := trace.Tracer("kiln/session").Start(tctx, "session.turn",
		oteltrace.WithAttributes(attribute.String("session.id", in.SessionID)))
	defer span.End()

	user := message.Message{
		ID:        id.Ascending(id.PrefixMessage),
		SessionID: in.SessionID,
		Role:      message.RoleUser,
		Time:      message.Time{Created: now()},
	}
	if err := r.log.UpdateMessage(user); err != nil {
		return message.Message{}, err
	}
	if in.Text != "" {
		part := message.Part{
			ID:        id.Ascending(id.PrefixPart),
			MessageID: user.ID,
			SessionID: in.SessionID,
			Type:      message.PartText,
			Text:      in.Text,
			Time:      message.PartTime{Start: now(), End: now()},
		}
		if err := r.log.UpdatePart(part, ""); err != nil {
			return message.Message{}, err
		}
	}
	for _, part := range in.Parts {
		part.ID = id.Ascending(id.PrefixPart)
		part.MessageID = user.ID
		part.SessionID = in.SessionID
		if err := r.log.UpdatePart(part, ""); err != nil {
			return message.Message{}, err
		}
	}

	st, err := r.resolveTurn(in)
	if err != nil {
		return message.Message{}, err
	}

	assistant := message.Message{
		ID:         id.Ascending(id.PrefixMessage),
		SessionID:  in.SessionID,
		Role:       message.RoleAssistant,
		ParentID:   user.ID,
		ProviderID: st.providerID,
		ModelID:    st.modelID,
		Agent:      st.agentName,
		Time:       message.Time{Created: now()},
	}
	if err := r.log.UpdateMessage(assistant); err != nil {
		return message.Message{}, err
	}

	runErr := r.runTurn(tctx, st, &assistant, in)
	r.finalize(&assistant, runErr)
	if err := r.sessions.touch(in.SessionID, func(*Info) {}); err != nil {
		slog.Warn("failed to touch session", "session", in.SessionID, "error", err)
	}
	if runErr != nil && !errors.Is(runErr, ErrAborted) {
		return assistant, runErr
	}
	return assistant, nil
}

// finalize stamps the terminal state onto the assistant message. Permission
// rejections never reach here; they are recovered inside the turn.
func (r *Runner) finalize(assistant *message.Message, runErr error) {
	assistant.Time.Completed = now()
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrAborted):
		assistant.Error = &message.Error{Kind: message.ErrorAborted, Message: "aborted"}
	default:
		assistant.Error = &message.Error{Kind: message.ErrorProviderFatal, Message: runErr.Error()}
		r.bus.Publish(protocol.EventSessionError, map[string]any{
			"sessionID": assistant.SessionID,
			"messageID": assistant.ID,
			"error":     runErr.Error(),
		})
	}
	if err := r.log.UpdateMessage(*assistant); err != nil {
		slog.Error("failed to finalize message", "message", assistant.ID, "error", err)
	}
}

// expandCommand rewrites a "/name args" prompt through the configured command
// template and publishes command.executed. Unknown names pass through
// unchanged so a literal leading slash still reaches the model.
func (r *Runner) expandCommand(in PromptInput) PromptInput {
	if !strings.HasPrefix(in.Text, "/") {
		return in
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(in.Text, "/"), " ")
	cmd, ok := r.cfg.Get().Commands[name]
	if !ok {
		return in
	}

	text := cmd.Template
	if strings.Contains(text, "$ARGUMENTS") {
		text = strings.ReplaceAll(text, "$ARGUMENTS", args)
	} else if args != "" {
		text += "\n\n" + args
	}
	in.Text = text
	if in.Agent == "" {
		in.Agent = cmd.Agent
	}
	if in.Model == "" {
		in.Model = cmd.Model
	}

	r.bus.Publish(protocol.EventCommandExecuted, map[string]any{
		"sessionID": in.SessionID,
		"command":   name,
		"arguments": args,
	})
	slog.Debug("command expanded", "session", in.SessionID, "command", name)
	return in
}

func (r *Runner) resolveTurn(in PromptInput) (*turnState, error) {
	cfg := r.cfg.Get()

	agentName := in.Agent
	if agent, ok := r.locks.ConsumeSwitch(in.SessionID); ok {
		agentName = agent
	}
	if agentName == "" {
		agentName = cfg.Defaults.Agent
	}
	if agentName == "" {
		agentName = "default"
	}
	agentCfg, ok := r.cfg.Agent(agentName)
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", agentName, ErrAgentNotFound)
	}

	modelRef := in.Model
	if modelRef == "" {
		modelRef = agentCfg.Model
	}
	if modelRef == "" {
		modelRef = cfg.Defaults.Model
	}
	providerID, modelID, err := provider.ParseModel(modelRef)
	if err != nil {
		return nil, err
	}
	prov, err := r.providers.Get(providerID)
	if err != nil {
		return nil, err
	}

	temp := agentCfg.Temperature
	if temp == nil {
		temp = cfg.Defaults.Temperature
	}
	topP := agentCfg.TopP
	if topP == nil {
		topP = cfg.Defaults.TopP
	}

	permCfg := cfg.Permission
	if agentCfg.Permission != nil {
		permCfg = *agentCfg.Permission
	}

	return &turnState{
		agentName:  agentName,
		agentCfg:   agentCfg,
		providerID: providerID,
		modelID:    modelID,
		prov:       prov,
		info:       provider.Lookup(providerID, modelID),
		temp:       temp,
		topP:       topP,
		enabled:    config.MergeTools(cfg.Tools, agentCfg.Tools, in.Tools),
		gate:       permission.NewGate(r.broker, permCfg),
	}, nil
}

// runTurn drives provider steps until the model stops calling tools.
func (r *Runner) runTurn(ctx context.Context, st *turnState, assistant *message.Message, in PromptInput) error {
	for {
		if ctx.Err() != nil {
			return ErrAborted
		}
		// A graceful switch takes effect between steps.
		if agent, ok := r.locks.ConsumeSwitch(in.SessionID); ok {
			in.Agent = agent
			next, err := r.resolveTurn(in)
			if err != nil {
				return err
			}
			st = next
			assistant.Agent = st.agentName
			if err := r.log.UpdateMessage(*assistant); err != nil {
				return err
			}
		}

		res, err := r.runStep(ctx, st, assistant)
		if err != nil {
			return err
		}
		if shouldCompact(assistant.Tokens, st.info) {
			if err := r.compactLocked(ctx, st, assistant.SessionID); err != nil {
				if errors.Is(err, ErrAborted) {
					return err
				}
				slog.Warn("compaction failed, continuing uncompacted",
					"session", assistant.SessionID, "error", err)
			}
		}
		if !res.toolsRan {
			return nil
		}
	}
}

type stepResult struct {
	toolsRan bool
}

// runStep opens one provider stream, retrying transient failures up to the
// configured budget.
func (r *Runner) runStep(ctx context.Context, st *turnState, assistant *message.Message) (stepResult, error) {
	start := time.Now()
	maxRetries := r.cfg.Get().Defaults.ChatMaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	for attempt := 1; ; attempt++ {
		res, err := r.streamOnce(ctx, st, assistant)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrAborted) || ctx.Err() != nil {
			return res, ErrAborted
		}
		if !provider.Retryable(err) || attempt > maxRetries {
			return res, err
		}
		retryPart := message.Part{
			ID:        id.Ascending(id.PrefixPart),
			MessageID: assistant.ID,
			SessionID: assistant.SessionID,
			Type:      message.PartRetry,
			Attempt:   attempt,
			Error:     err.Error(),
			Time:      message.PartTime{Start: now()},
		}
		if perr := r.log.UpdatePart(retryPart, ""); perr != nil {
			slog.Warn("failed to record retry", "error", perr)
		}
		slog.Info("retrying provider step",
			"session", assistant.SessionID, "attempt", attempt, "error", err)
		if serr := sleepRetry(ctx, getBoundedDelay(err, attempt, start)); serr != nil {
			return res, serr
		}
	}
}

// streamOnce consumes one provider stream end to end.
func (r *Runner) streamOnce(ctx context.Context, st *turnState, assistant *message.Message) (stepResult, error) {
	msgs, err := r.log.Messages(assistant.SessionID)
	if err != nil {
		return stepResult{}, err
	}

	maxTokens := st.info.Limits.Output
	if maxTokens > OutputTokenMax {
		maxTokens = OutputTokenMax
	}
	req := provider.Request{
		Model:       st.modelID,
		System:      systemPrompt(st.providerID, st.agentCfg.Prompt, r.workdir),
		Messages:    assemble(msgs),
		Tools:       r.tools.Defs(st.enabled),
		Temperature: st.temp,
		TopP:        st.topP,
		MaxTokens:   maxTokens,
	}

	stream, err := st.prov.Stream(ctx, req)
	if err != nil {
		return stepResult{}, err
	}
	defer stream.Close()

	r.newPart(assistant, func(p *message.Part) { p.Type = message.PartStepStart })

	var res stepResult
	var textPart *message.Part
	toolParts := make(map[string]*message.Part)

	for {
		if ctx.Err() != nil {
			return res, ErrAborted
		}
		ev, err := stream.Recv()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ErrAborted
			}
			return res, err
		}

		switch ev.Type {
		case provider.EventTextDelta:
			if textPart == nil {
				textPart = r.newPart(assistant, func(p *message.Part) { p.Type = message.PartText })
			}
			textPart.Text += ev.Text
			if err := r.log.UpdatePart(*textPart, ev.Text); err != nil {
				return res, err
			}

		case provider.EventTextEnd:
			if textPart != nil {
				textPart.Time.End = now()
				if err := r.log.UpdatePart(*textPart, ""); err != nil {
					return res, err
				}
				textPart = nil
			}

		case provider.EventToolInputStart:
			part := r.newPart(assistant, func(p *message.Part) {
				p.Type = message.PartTool
				p.Tool = ev.ToolName
				p.CallID = ev.CallID
				p.State = &message.ToolState{
					Status: message.ToolPending,
					Time:   message.PartTime{Start: now()},
				}
			})
			toolParts[ev.CallID] = part

		case provider.EventToolInputDelta:
			// Input fragments are advisory; the complete input lands with
			// the tool-call event.

		case provider.EventToolCall:
			res.toolsRan = true
			part := toolParts[ev.CallID]
			if part == nil {
				part = r.newPart(assistant, func(p *message.Part) {
					p.Type = message.PartTool
					p.Tool = ev.ToolName
					p.CallID = ev.CallID
					p.State = &message.ToolState{Time: message.PartTime{Start: now()}}
				})
				toolParts[ev.CallID] = part
			}
			part.State.Status = message.ToolRunning
			part.State.Input = ev.Input
			if err := r.log.UpdatePart(*part, ""); err != nil {
				return res, err
			}
			r.executeTool(ctx, st, assistant, part)

		case provider.EventStepFinish:
			r.applyUsage(st, assistant, ev)

		case provider.EventError:
			if ev.Err != nil {
				return res, ev.Err
			}
		}
	}
}

// executeTool runs one tool call inline and records its terminal state. Any
// error, including a permission rejection, becomes a tool error part; the
// turn continues and the model reacts to it.
func (r *Runner) executeTool(ctx context.Context, st *turnState, assistant *message.Message, part *message.Part) {
	tctx, span := trace.Tracer("kiln/session").Start(ctx, "tool."+part.Tool,
		oteltrace.WithAttributes(
			attribute.String("session.id", assistant.SessionID),
			attribute.String("tool.call_id", part.CallID),
		))
	defer span.End()

	t, err := r.tools.Get(part.Tool)
	if err == nil {
		if on, ok := st.enabled[part.Tool]; ok && !on {
			err = fmt.Errorf("tool %q is disabled for this turn", part.Tool)
		}
	}

	var res tool.Result
	if err == nil {
		res, err = t.Execute(tctx, tool.Call{
			SessionID: assistant.SessionID,
			MessageID: assistant.ID,
			CallID:    part.CallID,
			Agent:     st.agentName,
			Gate:      st.gate,
		}, part.State.Input)
	}

	part.State.Time.End = now()
	if err != nil {
		part.State.Status = message.ToolError
		part.State.Error = err.Error()
		if !permission.IsRejected(err) && ctx.Err() == nil {
			slog.Warn("tool error", "tool", part.Tool, "session", assistant.SessionID, "error", err)
		}
	} else {
		part.State.Status = message.ToolCompleted
		part.State.Output = res.Output
		part.State.Title = res.Title
		if len(res.Metadata) > 0 {
			part.State.Metadata = res.Metadata
		}
	}
	if perr := r.log.UpdatePart(*part, ""); perr != nil {
		slog.Error("failed to persist tool part", "part", part.ID, "error", perr)
	}

	for _, att := range res.Attachments {
		r.newPart(assistant, func(p *message.Part) {
			p.Type = message.PartFile
			p.Mime = att.Mime
			p.URL = att.URL
		})
	}
	if files := metadataFiles(res.Metadata); err == nil && len(files) > 0 {
		r.newPart(assistant, func(p *message.Part) {
			p.Type = message.PartPatch
			p.Files = files
		})
	}

	if r.plugins != nil {
		r.plugins.Trigger(ctx, plugin.HookToolExecuted, map[string]any{
			"sessionID": assistant.SessionID,
			"tool":      part.Tool,
			"callID":    part.CallID,
			"status":    part.State.Status,
		})
	}
	if part.Tool == "bash" && err == nil {
		r.bus.Publish(protocol.EventBashExecuted, map[string]any{
			"sessionID": assistant.SessionID,
			"command":   res.Metadata["command"],
			"exitCode":  res.Metadata["exitCode"],
		})
	}
}

// applyUsage folds one step's usage into the rolling message counters and
// records the step-finish part.
func (r *Runner) applyUsage(st *turnState, assistant *message.Message, ev provider.Event) {
	if ev.Usage == nil {
		r.newPart(assistant, func(p *message.Part) { p.Type = message.PartStepFinish })
		return
	}
	assistant.Tokens = message.TokenUsage{
		Input:     ev.Usage.Input,
		Output:    ev.Usage.Output,
		Reasoning: ev.Usage.Reasoning,
		Cache:     message.CacheUsage{Read: ev.Usage.CacheRead, Write: ev.Usage.CacheWrite},
	}
	stepCost := provider.StepCost(st.info, *ev.Usage)
	assistant.Cost += stepCost
	if err := r.log.UpdateMessage(*assistant); err != nil {
		slog.Warn("failed to persist usage", "message", assistant.ID, "error", err)
	}
	tokens := assistant.Tokens
	r.newPart(assistant, func(p *message.Part) {
		p.Type = message.PartStepFinish
		p.Tokens = &tokens
		p.Cost = stepCost
	})
}

func (r *Runner) newPart(assistant *message.Message, init func(*message.Part)) *message.Part {
	part := message.Part{
		ID:        id.Ascending(id.PrefixPart),
		MessageID: assistant.ID,
		SessionID: assistant.SessionID,
		Time:      message.PartTime{Start: now()},
	}
	init(&part)
	if err := r.log.UpdatePart(part, ""); err != nil {
		slog.Error("failed to persist part", "part", part.ID, "error", err)
	}
	return &part
}

func metadataFiles(metadata map[string]any) []string {
	switch v := metadata["files"].(type) {
	case []string:
		return v
	case []any:
		files := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				files = append(files, s)
			}
		}
		return files
	}
	return nil
}

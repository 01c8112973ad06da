package session

import (
	"log/slog"

	"github.com/kilnhq/kiln/internal/message"
)

// estimateTokens is the chars/4 heuristic used for prune accounting.
func estimateTokens(s string) int64 {
	return int64(len(s)) / 4
}

// pruneToolOutputs marks old completed tool outputs as compacted so assembly
// replaces them with a placeholder. Protected and therefore never pruned:
// outputs inside the last two user turns, and the most recent PruneProtect
// tokens of output across the log. When the prunable remainder is under
// PruneMinimum tokens the pass is skipped; churning the log for marginal
// savings is not worth invalidating provider prompt caches.
func (r *Runner) pruneToolOutputs(msgs []message.WithParts) error {
	cutoff := protectedTurnStart(msgs)

	// Walk tool parts newest first, keeping a protected token budget.
	type candidate struct {
		part   message.Part
		tokens int64
	}
	var candidates []candidate
	var protected int64
	var prunable int64
	for i := len(msgs) - 1; i >= 0; i-- {
		for j := len(msgs[i].Parts) - 1; j >= 0; j-- {
			part := msgs[i].Parts[j]
			if part.Type != message.PartTool || part.State == nil {
				continue
			}
			if part.State.Status != message.ToolCompleted || part.State.Compacted != 0 {
				continue
			}
			tokens := estimateTokens(part.State.Output)
			if i >= cutoff || protected < PruneProtect {
				protected += tokens
				continue
			}
			candidates = append(candidates, candidate{part: part, tokens: tokens})
			prunable += tokens
		}
	}

	if prunable < PruneMinimum {
		return nil
	}

	stamp := now()
	for _, c := range candidates {
		c.part.State.Compacted = stamp
		if err := r.log.UpdatePart(c.part, ""); err != nil {
			return err
		}
	}
	slog.Debug("pruned tool outputs",
		"parts", len(candidates), "tokens", prunable, "protected", protected)
	return nil
}

// protectedTurnStart returns the index of the second-most-recent user message;
// everything from there on belongs to the protected recent turns.
func protectedTurnStart(msgs []message.WithParts) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role == message.RoleUser {
			seen++
			if seen == 2 {
				return i
			}
		}
	}
	return 0
}

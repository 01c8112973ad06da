package permission

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kilnhq/kiln/internal/config"
)

// Action resolves the configured action for a request. Bash and network use
// per-pattern maps where the longest matching pattern wins; the other types
// carry a single action. Unconfigured types default to ask.
func Action(cfg config.PermissionConfig, permType string, keys []string) string {
	switch permType {
	case TypeBash:
		return patternAction(cfg.Bash, keys)
	case TypeNetwork:
		return patternAction(cfg.Network, keys)
	case TypeEdit, TypeWrite:
		return orAsk(cfg.Edit)
	case TypeWebfetch:
		return orAsk(cfg.Webfetch)
	case TypeWebsearch:
		return orAsk(cfg.Websearch)
	case TypeExternalDirectory:
		return orAsk(cfg.ExternalDirectory)
	}
	// ask-user, exit-plan-mode, and pin always go to the operator.
	return config.ActionAsk
}

func orAsk(action string) string {
	if action == "" {
		return config.ActionAsk
	}
	return action
}

// patternAction picks the action for the most specific matching pattern
// across all keys. A deny on any key wins over everything else.
func patternAction(rules config.BashPermission, keys []string) string {
	if len(rules) == 0 {
		return config.ActionAsk
	}
	result := ""
	for _, key := range keys {
		action, width := "", -1
		for pattern, a := range rules {
			if pattern != key {
				if ok, err := doublestar.Match(pattern, key); err != nil || !ok {
					continue
				}
			}
			if len(pattern) > width {
				action, width = a, len(pattern)
			}
		}
		if action == "" {
			action = config.ActionAsk
		}
		if action == config.ActionDeny {
			return config.ActionDeny
		}
		if result == "" || (result == config.ActionAllow && action == config.ActionAsk) {
			result = action
		}
	}
	return orAsk(result)
}

// Gate applies the agent's permission configuration in front of the broker:
// allow short-circuits, deny rejects without asking, ask suspends on the
// broker. The runner builds one gate per turn from the resolved agent config.
type Gate struct {
	broker *Broker
	cfg    config.PermissionConfig
}

func NewGate(broker *Broker, cfg config.PermissionConfig) *Gate {
	return &Gate{broker: broker, cfg: cfg}
}

func (g *Gate) Ask(ctx context.Context, req Request) error {
	keys := toKeys(req.Type, req.Pattern)
	switch Action(g.cfg, req.Type, keys) {
	case config.ActionAllow:
		return nil
	case config.ActionDeny:
		return &RejectedError{
			SessionID: req.SessionID,
			CallID:    req.CallID,
			Metadata:  req.Metadata,
			Message:   "denied by configuration",
		}
	}
	return g.broker.Ask(ctx, req)
}

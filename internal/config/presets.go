package config

// Built-in agent presets. A preset is shorthand that expands into the same
// option tree before merging, so request overrides still win.
var presets = map[string]AgentConfig{
	"yolo": {
		Permission: &PermissionConfig{
			Edit:              ActionAllow,
			Webfetch:          ActionAllow,
			Websearch:         ActionAllow,
			ExternalDirectory: ActionAllow,
			Bash:              BashPermission{"*": ActionAllow},
			Network:           BashPermission{"*": ActionAllow},
		},
	},
	"readonly": {
		Tools: map[string]bool{
			"edit":  false,
			"write": false,
			"patch": false,
			"bash":  false,
		},
		Permission: &PermissionConfig{
			Edit:     ActionDeny,
			Webfetch: ActionAllow,
		},
	},
	"readwrite": {
		Permission: &PermissionConfig{
			Edit: ActionAllow,
			Bash: BashPermission{"*": ActionAsk},
		},
	},
	"default": {},
}

// ExpandPreset resolves an agent's preset reference into its option tree.
// Explicit agent options override what the preset supplies.
func ExpandPreset(agent AgentConfig) AgentConfig {
	if agent.Preset == "" {
		return agent
	}
	base, ok := presets[agent.Preset]
	if !ok {
		return agent
	}

	out := base
	out.Preset = ""
	if agent.Tools != nil {
		merged := make(map[string]bool, len(base.Tools)+len(agent.Tools))
		for k, v := range base.Tools {
			merged[k] = v
		}
		for k, v := range agent.Tools {
			merged[k] = v
		}
		out.Tools = merged
	}
	if agent.Permission != nil {
		out.Permission = agent.Permission
	}
	if agent.Model != "" {
		out.Model = agent.Model
	}
	if agent.Temperature != nil {
		out.Temperature = agent.Temperature
	}
	if agent.TopP != nil {
		out.TopP = agent.TopP
	}
	if agent.Prompt != "" {
		out.Prompt = agent.Prompt
	}
	if agent.Mode != "" {
		out.Mode = agent.Mode
	}
	if agent.Color != "" {
		out.Color = agent.Color
	}
	out.Disable = agent.Disable
	return out
}

// MergeTools layers tool enable-maps: config defaults ← agent ← request,
// last wins.
func MergeTools(layers ...map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, layer := range layers {
		for name, enabled := range layer {
			out[name] = enabled
		}
	}
	return out
}

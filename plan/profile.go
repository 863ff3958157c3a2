package plan

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/core"
)

// StringList unmarshals from either a YAML scalar or a sequence, so profile
// authors can write `capabilities: repo.read` or a proper list.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("expected scalar or sequence, got YAML kind %d", node.Kind)
	}
}

// FlexFloat unmarshals from either a YAML number or a numeric string, so
// `temperature: "0.7"` and `temperature: 0.7` are equivalent.
type FlexFloat float64

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FlexFloat) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*f = FlexFloat(v)
	case int:
		*f = FlexFloat(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("cannot coerce %q to number: %w", v, err)
		}
		*f = FlexFloat(parsed)
	default:
		return fmt.Errorf("cannot coerce %T to number", raw)
	}
	return nil
}

// ModelConfig selects a provider and routing mode for an agent.
type ModelConfig struct {
	Provider    string     `yaml:"provider,omitempty"`
	Routing     string     `yaml:"routing,omitempty"`
	Temperature *FlexFloat `yaml:"temperature,omitempty"`
}

// Profile is a parsed agent profile: YAML front matter plus markdown body.
type Profile struct {
	Name           string            `yaml:"name"`
	Role           string            `yaml:"role"`
	Capabilities   StringList        `yaml:"capabilities"`
	ApprovalPolicy map[string]string `yaml:"approval_policy"`
	Model          *ModelConfig      `yaml:"model"`
	Constraints    StringList        `yaml:"constraints"`
	Body           string            `yaml:"-"`
}

const frontMatterDelimiter = "---"

// ParseProfile parses an agent profile file: a `---`-delimited YAML front
// matter block followed by a markdown body.
func ParseProfile(data []byte) (*Profile, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	rest, found := strings.CutPrefix(text, frontMatterDelimiter+"\n")
	if !found {
		return nil, fmt.Errorf("profile missing front matter delimiter: %w", core.ErrInvalidConfiguration)
	}

	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx < 0 {
		return nil, fmt.Errorf("profile front matter not terminated: %w", core.ErrInvalidConfiguration)
	}
	front := rest[:idx+1]
	body := rest[idx+1+len(frontMatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")

	var profile Profile
	if err := yaml.Unmarshal([]byte(front), &profile); err != nil {
		return nil, fmt.Errorf("parsing profile front matter: %w", err)
	}
	if profile.Name == "" {
		return nil, fmt.Errorf("profile name is required: %w", core.ErrInvalidConfiguration)
	}

	profile.Body = body
	return &profile, nil
}

package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sudocode-ai/sudocode/jsonl"
)

// entityToYAML renders an entity as canonical YAML: keys sorted, multi-line
// strings expanded to literal blocks so each content line occupies its own
// output line. The canonical form is what makes line-level three-way merging
// of entity bodies meaningful.
func entityToYAML(e *jsonl.Entity) (string, error) {
	// Round-trip through the entity's JSON form so extensions and omitted
	// fields behave exactly as they do on disk.
	data, err := e.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling entity %s: %w", e.ID, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("decoding entity %s: %w", e.ID, err)
	}

	root := valueToNode(m)
	out, err := yaml.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("encoding yaml for %s: %w", e.ID, err)
	}
	return string(out), nil
}

// valueToNode converts a decoded JSON value into a yaml.Node tree with
// deterministic key order and literal style for multi-line strings.
func valueToNode(v interface{}) *yaml.Node {
	switch val := v.(type) {
	case map[string]interface{}:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			node.Content = append(node.Content,
				scalarNode(k),
				valueToNode(val[k]))
		}
		return node
	case []interface{}:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range val {
			node.Content = append(node.Content, valueToNode(item))
		}
		return node
	case string:
		return scalarNode(val)
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprintf("%t", val)}
	case float64:
		n := &yaml.Node{Kind: yaml.ScalarNode}
		if val == float64(int64(val)) {
			n.Tag = "!!int"
			n.Value = fmt.Sprintf("%d", int64(val))
		} else {
			n.Tag = "!!float"
			n.Value = fmt.Sprintf("%g", val)
		}
		return n
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	default:
		return scalarNode(fmt.Sprintf("%v", val))
	}
}

func scalarNode(s string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	if strings.Contains(s, "\n") {
		node.Style = yaml.LiteralStyle
	}
	return node
}

// yamlToEntity parses canonical YAML back into an entity.
func yamlToEntity(text string) (*jsonl.Entity, error) {
	var m map[string]interface{}
	if err := yaml.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("re-encoding yaml value: %w", err)
	}
	var e jsonl.Entity
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decoding entity: %w", err)
	}
	return &e, nil
}

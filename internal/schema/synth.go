package schema

import (
	"fmt"
)

// Overrides maps a schema title to a literal response document. Overrides
// are checked before generic synthesis so specific test scenarios can pin
// exact payloads the way the real provider would phrase them.
type Overrides map[string]interface{}

// DefaultOverrides covers the structured-output schemas the agent framework
// under test validates most strictly. Anything not listed falls through to
// generic synthesis.
func DefaultOverrides() Overrides {
	return Overrides{
		"CustomerDependentActionSchema": map[string]interface{}{
			"action":                "reply",
			"is_customer_dependent": false,
		},
		"GuidelineContinuousPropositionSchema": map[string]interface{}{
			"rationale":     "Greeting is polite",
			"is_continuous": true,
		},
		"ToolRunningActionSchema": map[string]interface{}{
			"action":               "reply",
			"rationale":            "No tool needed",
			"is_tool_running_only": false,
		},
		"AgentIntentionProposerSchema": map[string]interface{}{
			"condition":          "The user greets",
			"is_agent_intention": false,
		},
		"RelativeActionSchema": map[string]interface{}{
			"actions": []interface{}{
				map[string]interface{}{
					"index":                   "0",
					"conditions":              []interface{}{},
					"action":                  "reply",
					"needs_rewrite_rationale": "No rewrite needed",
					"needs_rewrite":           false,
				},
			},
		},
		"ReachableNodesEvaluationSchema": map[string]interface{}{
			"step_action":           "Do something",
			"step_action_completed": "true",
			"children_conditions":   nil,
		},
		"CannedResponsePreambleSchema": map[string]interface{}{
			"preamble": "I verified the information.",
		},
		"DisambiguationGuidelineMatchesSchema": map[string]interface{}{
			"tldr":                     "User wants to do something",
			"ambiguity_condition_met":  false,
			"disambiguation_requested": false,
			"is_ambiguous":             false,
			"guidelines":               []interface{}{},
			"clarification_action":     nil,
		},
		"GenericObservationalGuidelineMatchesSchema": map[string]interface{}{
			"checks": []interface{}{},
		},
	}
}

// Synthesizer produces structurally conformant values for response schemas.
type Synthesizer struct {
	overrides Overrides
}

// NewSynthesizer returns a synthesizer with the given literal overrides;
// nil means no overrides.
func NewSynthesizer(overrides Overrides) *Synthesizer {
	return &Synthesizer{overrides: overrides}
}

// Synthesize walks the schema and returns a value that satisfies it:
// objects get every named field populated, arrays get exactly one conformant
// element, enums return their first literal, primitives get non-degenerate
// defaults. An unsupported node fails closed with an error rather than
// returning a partial document, because a silently invalid response corrupts
// the validation-failure metrics of the system under test.
func (sy *Synthesizer) Synthesize(s *Schema) (interface{}, error) {
	if s == nil {
		return nil, fmt.Errorf("nil schema")
	}
	if s.Title != "" && sy.overrides != nil {
		if doc, ok := sy.overrides[s.Title]; ok {
			return doc, nil
		}
	}
	return synthesize(s, "$")
}

func synthesize(s *Schema, path string) (interface{}, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: nil schema node", path)
	}
	switch s.Kind() {
	case KindObject:
		doc := make(map[string]interface{}, len(s.Properties))
		for _, name := range s.sortedPropertyNames() {
			v, err := synthesize(s.Properties[name], path+"."+name)
			if err != nil {
				return nil, err
			}
			doc[name] = v
		}
		return doc, nil
	case KindArray:
		if s.Items == nil {
			return nil, fmt.Errorf("%s: array schema without items", path)
		}
		item, err := synthesize(s.Items, path+"[0]")
		if err != nil {
			return nil, err
		}
		return []interface{}{item}, nil
	case KindString:
		if len(s.Enum) > 0 {
			return s.Enum[0], nil
		}
		return "synthetic response", nil
	case KindNumber:
		return 1.0, nil
	case KindInteger:
		return 1, nil
	case KindBoolean:
		return false, nil
	}
	return nil, fmt.Errorf("%s: unsupported schema type %q", path, s.Type)
}

package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/troupe/runtime/authority"
)

type (
	// Task is one routable unit of work produced by triage: the capability
	// that must handle it, what to do, and the authority tier the plan asks
	// for.
	Task struct {
		Capability    string         `json:"capability"`
		Description   string         `json:"description"`
		AuthorityTier authority.Tier `json:"authority_tier"`
	}

	// Decomposition is the structured triage verdict: the tasks to route, a
	// one-line summary of the plan, and the model's confidence in it.
	Decomposition struct {
		Tasks      []Task  `json:"tasks"`
		Summary    string  `json:"summary,omitempty"`
		Confidence float64 `json:"confidence"`
	}
)

// decompositionSchema constrains model output before it drives routing.
// Tiers default to JustDoIt when omitted so a terse model answer stays safe.
const decompositionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks", "confidence"],
  "properties": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["capability", "description"],
        "properties": {
          "capability": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "authority_tier": {"type": "string", "enum": ["JustDoIt", "DoItAndShowMe", "AskMeFirst"]}
        }
      }
    },
    "summary": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(decompositionSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal decomposition schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("decomposition.json", doc); err != nil {
			schemaErr = fmt.Errorf("add decomposition schema resource: %w", err)
			return
		}
		schemaCompiled, schemaErr = c.Compile("decomposition.json")
	})
	return schemaCompiled, schemaErr
}

// ParseDecomposition interprets a pipeline result as a decomposition. Typed
// values pass through; strings, byte slices and generic maps are validated
// against the decomposition schema before decoding so malformed model output
// fails here instead of mid-dispatch.
func ParseDecomposition(raw any) (Decomposition, error) {
	switch v := raw.(type) {
	case Decomposition:
		return v, nil
	case *Decomposition:
		if v == nil {
			return Decomposition{}, errors.New("nil decomposition")
		}
		return *v, nil
	case nil:
		return Decomposition{}, errors.New("empty triage result")
	case string:
		return decodeDecomposition([]byte(v))
	case []byte:
		return decodeDecomposition(v)
	case json.RawMessage:
		return decodeDecomposition([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Decomposition{}, fmt.Errorf("triage result is not a decomposition: %w", err)
		}
		return decodeDecomposition(data)
	}
}

func decodeDecomposition(data []byte) (Decomposition, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Decomposition{}, fmt.Errorf("triage result is not valid JSON: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return Decomposition{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Decomposition{}, fmt.Errorf("triage result failed schema validation: %w", err)
	}
	var dec Decomposition
	if err := json.Unmarshal(data, &dec); err != nil {
		return Decomposition{}, fmt.Errorf("decode decomposition: %w", err)
	}
	return dec, nil
}

func (d Decomposition) clone() Decomposition {
	out := d
	if len(d.Tasks) > 0 {
		out.Tasks = make([]Task, len(d.Tasks))
		copy(out.Tasks, d.Tasks)
	}
	return out
}

// maxPlannedTier is the highest authority any task in the plan asks for.
func maxPlannedTier(d Decomposition) authority.Tier {
	tier := authority.TierJustDoIt
	for _, t := range d.Tasks {
		tier = authority.MaxTier(tier, t.AuthorityTier)
	}
	return tier
}

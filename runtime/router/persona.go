package router

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/troupe/runtime/model"
	"goa.design/troupe/runtime/registry"
)

// Persona declares a router's identity and behavior: who it is, which
// capabilities it advertises, which skill pipeline triages inbound goals, and
// where it sends work it cannot place. Personas load from YAML so operators
// reshape a router without recompiling.
type Persona struct {
	AgentID             string                `json:"agent_id" yaml:"agent_id"`
	Name                string                `json:"name" yaml:"name"`
	AgentType           string                `json:"agent_type" yaml:"agent_type"`
	Capabilities        []registry.Capability `json:"capabilities" yaml:"capabilities"`
	Pipeline            []string              `json:"pipeline" yaml:"pipeline"`
	EscalationTarget    string                `json:"escalation_target" yaml:"escalation_target"`
	ModelTier           model.Class           `json:"model_tier" yaml:"model_tier"`
	ConfidenceThreshold float64               `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// Validate checks the fields a router cannot run without.
func (p Persona) Validate() error {
	if p.AgentID == "" {
		return errors.New("persona agent_id is required")
	}
	if p.EscalationTarget == "" {
		return errors.New("persona escalation_target is required")
	}
	if len(p.Pipeline) == 0 {
		return errors.New("persona pipeline is required")
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("persona confidence_threshold %v outside [0, 1]", p.ConfidenceThreshold)
	}
	return nil
}

// LoadPersona parses a YAML persona of the form:
//
//	agent_id: cos
//	name: Chief of Staff
//	capabilities:
//	  - name: routing
//	    description: Routes goals to capable agents
//	pipeline: [triage]
//	escalation_target: agent.founder
//	model_tier: high_reasoning
//	confidence_threshold: 0.7
//
// The agent type defaults to "ai" when omitted.
func LoadPersona(r io.Reader) (Persona, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona: %w", err)
	}
	if p.AgentType == "" {
		p.AgentType = registry.AgentTypeAI
	}
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

// LoadPersonaFile reads a persona from disk.
func LoadPersonaFile(path string) (Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return Persona{}, fmt.Errorf("open persona: %w", err)
	}
	defer f.Close()
	return LoadPersona(f)
}

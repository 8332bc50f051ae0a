package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/troupe/runtime/authority"
	"goa.design/troupe/runtime/refcode"
)

// ErrUnknownPayloadKind reports a wire envelope whose kind tag is missing or
// outside the closed payload set. Consumers treat such messages as
// undecodable and dead-letter them.
var ErrUnknownPayloadKind = errors.New("unknown payload kind")

// wireEnvelope is the tagged JSON form envelopes take on the bus.
type wireEnvelope struct {
	Kind            Kind              `json:"kind"`
	Payload         json.RawMessage   `json:"payload"`
	ReferenceCode   refcode.Code      `json:"reference_code,omitzero"`
	AuthorityClaims []authority.Claim `json:"authority_claims,omitempty"`
	Context         Context           `json:"context"`
	Priority        Priority          `json:"priority,omitempty"`
	SLA             time.Duration     `json:"sla,omitempty"`
}

// Encode renders the envelope as tagged JSON.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("envelope has no payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	wire := wireEnvelope{
		Kind:            e.Payload.Kind(),
		Payload:         body,
		ReferenceCode:   e.ReferenceCode,
		AuthorityClaims: e.AuthorityClaims,
		Context:         e.Context,
		Priority:        e.Priority,
		SLA:             e.SLA,
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses tagged JSON back into an envelope. A missing or unknown kind
// tag fails with ErrUnknownPayloadKind.
func Decode(b []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(b, &wire); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	payload, err := decodePayload(wire.Kind, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Payload:         payload,
		ReferenceCode:   wire.ReferenceCode,
		AuthorityClaims: wire.AuthorityClaims,
		Context:         wire.Context,
		Priority:        wire.Priority,
		SLA:             wire.SLA,
	}, nil
}

func decodePayload(kind Kind, body json.RawMessage) (Payload, error) {
	unmarshal := func(v Payload) (Payload, error) {
		if err := json.Unmarshal(body, v); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
		}
		return v, nil
	}
	switch kind {
	case KindText:
		v, err := unmarshal(&TextMessage{})
		if err != nil {
			return nil, err
		}
		return *v.(*TextMessage), nil
	case KindPlanProposal:
		v, err := unmarshal(&PlanProposal{})
		if err != nil {
			return nil, err
		}
		return *v.(*PlanProposal), nil
	case KindPlanApproval:
		v, err := unmarshal(&PlanApprovalResponse{})
		if err != nil {
			return nil, err
		}
		return *v.(*PlanApprovalResponse), nil
	case KindSupervisionAlert:
		v, err := unmarshal(&SupervisionAlert{})
		if err != nil {
			return nil, err
		}
		return *v.(*SupervisionAlert), nil
	case KindEscalationAlert:
		v, err := unmarshal(&EscalationAlert{})
		if err != nil {
			return nil, err
		}
		return *v.(*EscalationAlert), nil
	case "":
		return nil, fmt.Errorf("%w: missing kind tag", ErrUnknownPayloadKind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadKind, kind)
	}
}

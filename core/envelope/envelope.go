// Package envelope defines the wire representation of a proposal at one stage.
//
// Envelopes are JSON objects with stable field names:
//
//	{"stage": <stage>, "proposal_key": "...", "client": "...", "content": "..."}
//
// where <stage> is one of "RequestFromClient", "PrePrepare", "Prepare",
// {"Commit": <bool>}, {"Result": {"Accepted": <bool>}} or {"Result": "Rejected"}.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft/core/proposal"
)

// ErrDecode is matched by every error returned from Decode.
var ErrDecode = errors.New("decode error")

// DecodeError describes a malformed inbound envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Envelope carries one Proposal/stage pair between peers.
type Envelope struct {
	Stage       proposal.Stage
	ProposalKey string
	Client      string
	Content     string
}

// FromProposal wraps p for sending.
func FromProposal(p proposal.Proposal) Envelope {
	return Envelope{
		Stage:       p.Stage,
		ProposalKey: p.Key,
		Client:      p.Client,
		Content:     p.Content,
	}
}

// Proposal returns the proposal value carried by the envelope.
func (e Envelope) Proposal() proposal.Proposal {
	return proposal.Proposal{
		Key:     e.ProposalKey,
		Client:  e.Client,
		Content: e.Content,
		Stage:   e.Stage,
	}
}

type wire struct {
	Stage       json.RawMessage `json:"stage"`
	ProposalKey string          `json:"proposal_key"`
	Client      string          `json:"client"`
	Content     string          `json:"content"`
}

// Encode serializes the envelope.
func Encode(e Envelope) ([]byte, error) {
	stage, err := encodeStage(e.Stage)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wire{
		Stage:       stage,
		ProposalKey: e.ProposalKey,
		Client:      e.Client,
		Content:     e.Content,
	})
}

// Decode parses and validates an inbound envelope.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if len(w.Stage) == 0 {
		return Envelope{}, &DecodeError{Reason: "missing stage"}
	}
	if w.ProposalKey == "" {
		return Envelope{}, &DecodeError{Reason: "missing proposal_key"}
	}
	if w.Client == "" {
		return Envelope{}, &DecodeError{Reason: "missing client"}
	}
	if key := proposal.KeyOf(w.Client, w.Content); key != w.ProposalKey {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("proposal_key %s does not match content", w.ProposalKey)}
	}

	stage, err := decodeStage(w.Stage)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Stage:       stage,
		ProposalKey: w.ProposalKey,
		Client:      w.Client,
		Content:     w.Content,
	}, nil
}

func encodeStage(s proposal.Stage) (json.RawMessage, error) {
	var v interface{}
	switch s.Kind {
	case proposal.RequestFromClient, proposal.PrePrepare, proposal.Prepare:
		v = s.Kind.String()
	case proposal.Commit:
		v = map[string]bool{"Commit": s.Vote}
	case proposal.Result:
		switch s.Outcome.Kind {
		case proposal.OutcomeAccepted:
			v = map[string]map[string]bool{"Result": {"Accepted": s.Outcome.Valid}}
		case proposal.OutcomeRejected:
			v = map[string]string{"Result": "Rejected"}
		default:
			return nil, errors.Errorf("unknown outcome %d", s.Outcome.Kind)
		}
	default:
		return nil, errors.Errorf("unknown stage %s", s.Kind)
	}

	return json.Marshal(v)
}

func decodeStage(raw json.RawMessage) (proposal.Stage, error) {
	raw = bytes.TrimSpace(raw)

	var tag string
	if err := json.Unmarshal(raw, &tag); err == nil {
		switch tag {
		case "RequestFromClient":
			return proposal.Stage{Kind: proposal.RequestFromClient}, nil
		case "PrePrepare":
			return proposal.Stage{Kind: proposal.PrePrepare}, nil
		case "Prepare":
			return proposal.Stage{Kind: proposal.Prepare}, nil
		default:
			return proposal.Stage{}, &DecodeError{Reason: fmt.Sprintf("unknown stage tag %q", tag)}
		}
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return proposal.Stage{}, &DecodeError{Reason: "stage is neither a tag nor an object", Err: err}
	}
	if len(tagged) != 1 {
		return proposal.Stage{}, &DecodeError{Reason: fmt.Sprintf("stage object must have exactly one tag, got %d", len(tagged))}
	}

	for tag, payload := range tagged {
		switch tag {
		case "Commit":
			var vote *bool
			if err := json.Unmarshal(payload, &vote); err != nil {
				return proposal.Stage{}, &DecodeError{Reason: "commit vote is not a bool", Err: err}
			}
			if vote == nil {
				return proposal.Stage{}, &DecodeError{Reason: "commit vote is null"}
			}
			return proposal.Stage{Kind: proposal.Commit, Vote: *vote}, nil
		case "Result":
			outcome, err := decodeOutcome(payload)
			if err != nil {
				return proposal.Stage{}, err
			}
			return proposal.Stage{Kind: proposal.Result, Outcome: outcome}, nil
		default:
			return proposal.Stage{}, &DecodeError{Reason: fmt.Sprintf("unknown stage tag %q", tag)}
		}
	}

	return proposal.Stage{}, &DecodeError{Reason: "empty stage"}
}

func decodeOutcome(raw json.RawMessage) (proposal.Outcome, error) {
	var tag string
	if err := json.Unmarshal(raw, &tag); err == nil {
		if tag == "Rejected" {
			return proposal.Rejected(), nil
		}
		return proposal.Outcome{}, &DecodeError{Reason: fmt.Sprintf("unknown outcome tag %q", tag)}
	}

	var accepted struct {
		Accepted *bool `json:"Accepted"`
	}
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return proposal.Outcome{}, &DecodeError{Reason: "malformed outcome", Err: err}
	}
	if accepted.Accepted == nil {
		return proposal.Outcome{}, &DecodeError{Reason: "outcome must be Accepted or Rejected"}
	}

	return proposal.Accepted(*accepted.Accepted), nil
}

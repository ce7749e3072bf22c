// Package message defines the single tagged-union payload the gossip bus
// carries (spec.md section 4.6): UnionMessage = Global(GlobalMessage) |
// Study(StudyMessage). Deserialization happens once per delivery; a
// variant mismatch for the receiving node kind is a protocol error
// (coreerr.Other).
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/distribution"
)

// GlobalType discriminates GlobalMessage variants.
type GlobalType string

const (
	TypeCreateStudy GlobalType = "create_study"
	TypeJoinStudy   GlobalType = "join_study"
)

// GlobalMessage is the payload carried by the cluster-wide overlay.
type GlobalMessage struct {
	Type GlobalType `json:"type"`
	Name string     `json:"name"`
	ID   uuid.UUID  `json:"id,omitempty"`
}

func CreateStudy(name string, id uuid.UUID) GlobalMessage {
	return GlobalMessage{Type: TypeCreateStudy, Name: name, ID: id}
}

func JoinStudy(name string) GlobalMessage {
	return GlobalMessage{Type: TypeJoinStudy, Name: name}
}

// StudyType discriminates StudyMessage variants.
type StudyType string

const (
	TypeSetStudyDirection         StudyType = "set_study_direction"
	TypeSetStudyUserAttr          StudyType = "set_study_user_attr"
	TypeSetStudySystemAttr        StudyType = "set_study_system_attr"
	TypeCreateTrial               StudyType = "create_trial"
	TypeSetTrialState             StudyType = "set_trial_state"
	TypeSetTrialParam             StudyType = "set_trial_param"
	TypeSetTrialValue             StudyType = "set_trial_value"
	TypeSetTrialIntermediateValue StudyType = "set_trial_intermediate_value"
	TypeSetTrialUserAttr          StudyType = "set_trial_user_attr"
	TypeSetTrialSystemAttr        StudyType = "set_trial_system_attr"
)

// Direction mirrors spec.md's StudyDirection enum.
type Direction int

const (
	NotSet Direction = iota
	Minimize
	Maximize
)

func (d Direction) String() string {
	switch d {
	case Minimize:
		return "minimize"
	case Maximize:
		return "maximize"
	default:
		return "not_set"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "minimize":
		return Minimize, nil
	case "maximize":
		return Maximize, nil
	case "not_set", "":
		return NotSet, nil
	default:
		return NotSet, fmt.Errorf("unknown direction %q", s)
	}
}

// StudyMessage is one variant of the per-study gossip payload. Every
// variant carries a sender-side wall timestamp, used only for LWW.
type StudyMessage struct {
	Type      StudyType       `json:"type"`
	Ts        clock.Timestamp `json:"timestamp"`
	TrialID   string          `json:"trial_id,omitempty"`
	Key       string          `json:"key,omitempty"`
	Step      int             `json:"step,omitempty"`
	Direction Direction       `json:"direction,omitempty"`
	State     int             `json:"state,omitempty"`
	Float     float64         `json:"float,omitempty"`
	Param     *distribution.ParamValue `json:"param,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (m StudyMessage) Timestamp() clock.Timestamp { return m.Ts }

// Union is the wire envelope: exactly one of Global/Study is set,
// discriminated by Kind. This is the JSON form that crosses the gossip
// bus and RPC boundary.
type Union struct {
	Kind   string         `json:"kind"` // "global" | "study"
	Global *GlobalMessage `json:"global,omitempty"`
	Study  *StudyMessage  `json:"study,omitempty"`
}

func WrapGlobal(m GlobalMessage) Union { return Union{Kind: "global", Global: &m} }
func WrapStudy(m StudyMessage) Union   { return Union{Kind: "study", Study: &m} }

// Encode serializes the union to its wire form.
func Encode(u Union) ([]byte, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Other, err)
	}
	return b, nil
}

// Decode deserializes a wire payload, validating the kind tag carries a
// matching payload. A mismatch (e.g. kind="global" with Study set, or
// neither set) is a protocol error.
func Decode(data []byte) (Union, error) {
	var u Union
	if err := json.Unmarshal(data, &u); err != nil {
		return Union{}, coreerr.Wrap(coreerr.Other, err)
	}
	switch u.Kind {
	case "global":
		if u.Global == nil {
			return Union{}, coreerr.New(coreerr.Other, "union kind=global missing payload")
		}
	case "study":
		if u.Study == nil {
			return Union{}, coreerr.New(coreerr.Other, "union kind=study missing payload")
		}
	default:
		return Union{}, coreerr.Newf(coreerr.Other, "unknown union kind %q", u.Kind)
	}
	return u, nil
}

// AsGlobal asserts this union carries a GlobalMessage, surfacing a
// protocol error (per spec.md 4.6) if a StudyNode receives a
// GlobalMessage or vice versa.
func (u Union) AsGlobal() (GlobalMessage, error) {
	if u.Kind != "global" || u.Global == nil {
		return GlobalMessage{}, coreerr.Newf(coreerr.Other, "expected global message, got kind=%q", u.Kind)
	}
	return *u.Global, nil
}

func (u Union) AsStudy() (StudyMessage, error) {
	if u.Kind != "study" || u.Study == nil {
		return StudyMessage{}, coreerr.Newf(coreerr.Other, "expected study message, got kind=%q", u.Kind)
	}
	return *u.Study, nil
}

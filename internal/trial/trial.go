// Package trial implements the Trial entity and its id scheme from
// spec.md section 3: a structured "<studyUuid>.<trialUuid>" id, a
// four-state lifecycle, and the "adjust" sanitization external readers
// see.
package trial

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plumtuna/plumtuna/internal/distribution"
)

// State is a trial's lifecycle state.
type State int

const (
	Running State = iota
	Complete
	Pruned
	Fail
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Pruned:
		return "pruned"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool { return s != Running }

// ParseState accepts the external string form of a state.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "running":
		return Running, nil
	case "complete":
		return Complete, nil
	case "pruned":
		return Pruned, nil
	case "fail":
		return Fail, nil
	default:
		return Running, fmt.Errorf("unknown trial state %q", s)
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ID is the structured "<studyUuid>.<trialUuid>" identifier. Trial ids
// are globally unique; the study prefix must always be extractable.
type ID string

// NewID builds a trial id for the given study.
func NewID(studyID uuid.UUID) ID {
	return ID(fmt.Sprintf("%s.%s", studyID.String(), uuid.New().String()))
}

// StudyID extracts the owning study's id from a trial id.
func (id ID) StudyID() (uuid.UUID, error) {
	parts := strings.SplitN(string(id), ".", 2)
	if len(parts) != 2 {
		return uuid.UUID{}, fmt.Errorf("malformed trial id %q", id)
	}
	return uuid.Parse(parts[0])
}

func (id ID) Valid() bool {
	_, err := id.StudyID()
	return err == nil
}

// Trial is the replicated state of one evaluation within a study.
type Trial struct {
	ID                 ID                                 `json:"trial_id"`
	State              State                              `json:"state"`
	Value              *float64                           `json:"value"`
	IntermediateValues map[int]float64                    `json:"intermediate_values"`
	Params             map[string]distribution.ParamValue `json:"params"`
	UserAttrs          map[string]json.RawMessage         `json:"user_attrs"`
	SystemAttrs        map[string]json.RawMessage         `json:"system_attrs"`
	DatetimeStart      *time.Time                         `json:"datetime_start"`
	DatetimeEnd        *time.Time                         `json:"datetime_end"`
}

// New creates a freshly-created trial shell (as observed from a
// CreateTrial message); callers set DatetimeStart from the message
// timestamp separately, since that is a StudyNode responsibility.
func New(id ID) *Trial {
	return &Trial{
		ID:                 id,
		State:              Running,
		IntermediateValues: make(map[int]float64),
		Params:             make(map[string]distribution.ParamValue),
		UserAttrs:          make(map[string]json.RawMessage),
		SystemAttrs:        make(map[string]json.RawMessage),
	}
}

// Steps returns the intermediate-value steps in ascending order, since
// the data model treats the step->value mapping as ordered.
func (t *Trial) Steps() []int {
	steps := make([]int, 0, len(t.IntermediateValues))
	for s := range t.IntermediateValues {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	return steps
}

// Adjusted returns the sanitized view external readers receive, or false
// if the trial should be reported as not-yet-existing:
//   - datetime_start missing (mutations arrived before CreateTrial): not found.
//   - state == Complete but value absent: downgrade to Running and clear
//     datetime_end (the terminal SetTrialState raced ahead of SetTrialValue).
func (t *Trial) Adjusted() (Trial, bool) {
	if t == nil || t.DatetimeStart == nil {
		return Trial{}, false
	}
	cp := *t
	if cp.State == Complete && cp.Value == nil {
		cp.State = Running
		cp.DatetimeEnd = nil
	}
	return cp, true
}

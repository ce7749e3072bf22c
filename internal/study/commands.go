package study

import (
	"encoding/json"

	"github.com/plumtuna/plumtuna/internal/corefuture"
	"github.com/plumtuna/plumtuna/internal/distribution"
	"github.com/plumtuna/plumtuna/internal/message"
	"github.com/plumtuna/plumtuna/internal/subscriber"
	"github.com/plumtuna/plumtuna/internal/trial"
)

// Command is the inbound command every StudyNode operation from
// spec.md section 4.4 is expressed as. Reads answer directly; mutations
// broadcast and reply once the broadcast is queued (see handleCommand).
type Command interface{ isStudyCommand() }

type GetSummaryCmd struct {
	Reply *corefuture.Future[Summary]
}

type GetTrialCmd struct {
	ID    trial.ID
	Reply *corefuture.Future[trial.Trial]
}

type GetTrialsCmd struct {
	StateFilter *trial.State
	Reply       *corefuture.Future[[]trial.Trial]
}

type SetStudyDirectionCmd struct {
	Direction message.Direction
	Reply     *corefuture.Future[struct{}]
}

type SetStudyUserAttrCmd struct {
	Key   string
	Value json.RawMessage
	Reply *corefuture.Future[struct{}]
}

type SetStudySystemAttrCmd struct {
	Key   string
	Value json.RawMessage
	Reply *corefuture.Future[struct{}]
}

type CreateTrialCmd struct {
	Reply *corefuture.Future[trial.ID]
}

type SetTrialStateCmd struct {
	TrialID trial.ID
	State   trial.State
	Reply   *corefuture.Future[struct{}]
}

type SetTrialParamCmd struct {
	TrialID trial.ID
	Key     string
	Param   distribution.ParamValue
	Reply   *corefuture.Future[struct{}]
}

type SetTrialValueCmd struct {
	TrialID trial.ID
	Value   float64
	Reply   *corefuture.Future[struct{}]
}

type SetTrialIntermediateValueCmd struct {
	TrialID trial.ID
	Step    int
	Value   float64
	Reply   *corefuture.Future[struct{}]
}

type SetTrialUserAttrCmd struct {
	TrialID trial.ID
	Key     string
	Value   json.RawMessage
	Reply   *corefuture.Future[struct{}]
}

type SetTrialSystemAttrCmd struct {
	TrialID trial.ID
	Key     string
	Value   json.RawMessage
	Reply   *corefuture.Future[struct{}]
}

type SubscribeCmd struct {
	Reply *corefuture.Future[subscriber.ID]
}

type PollEventsCmd struct {
	ID    subscriber.ID
	Reply *corefuture.Future[[]subscriber.Event]
}

func (*GetSummaryCmd) isStudyCommand()                {}
func (*GetTrialCmd) isStudyCommand()                  {}
func (*GetTrialsCmd) isStudyCommand()                 {}
func (*SetStudyDirectionCmd) isStudyCommand()         {}
func (*SetStudyUserAttrCmd) isStudyCommand()          {}
func (*SetStudySystemAttrCmd) isStudyCommand()        {}
func (*CreateTrialCmd) isStudyCommand()               {}
func (*SetTrialStateCmd) isStudyCommand()             {}
func (*SetTrialParamCmd) isStudyCommand()             {}
func (*SetTrialValueCmd) isStudyCommand()             {}
func (*SetTrialIntermediateValueCmd) isStudyCommand() {}
func (*SetTrialUserAttrCmd) isStudyCommand()          {}
func (*SetTrialSystemAttrCmd) isStudyCommand()        {}
func (*SubscribeCmd) isStudyCommand()                 {}
func (*PollEventsCmd) isStudyCommand()                {}

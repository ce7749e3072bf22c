package global

import (
	"time"

	"github.com/google/uuid"

	"github.com/plumtuna/plumtuna/internal/corefuture"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/studyref"
)

// Command is the inbound command set for the GlobalNode, mirroring
// study.Command's contract: reads answer from local state directly,
// mutations broadcast and settle once the create/join race resolves.
type Command interface{ isGlobalCommand() }

type CreateStudyCmd struct {
	Name     string
	WaitTime time.Duration
	Reply    *corefuture.Future[uuid.UUID]
}

type JoinStudyCmd struct {
	Name     string
	WaitTime time.Duration
	Reply    *corefuture.Future[uuid.UUID]
}

type GetStudiesCmd struct {
	Reply *corefuture.Future[[]studyref.NameAndID]
}

// NotifyStudyCmd is posted by the RPC server when an inbound StudyCast
// request arrives.
type NotifyStudyCmd struct {
	Ref     studyref.NameAndID
	Created *overlay.NodeID
}

// NotifyStudyNodeDownCmd is posted by a StudyNode's onDown callback when
// its idle TTL elapses.
type NotifyStudyNodeDownCmd struct {
	StudyID uuid.UUID
}

func (*CreateStudyCmd) isGlobalCommand()         {}
func (*JoinStudyCmd) isGlobalCommand()           {}
func (*GetStudiesCmd) isGlobalCommand()          {}
func (*NotifyStudyCmd) isGlobalCommand()         {}
func (*NotifyStudyNodeDownCmd) isGlobalCommand() {}

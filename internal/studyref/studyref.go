// Package studyref holds the tiny (name, id) pair that crosses the
// GlobalNode <-> rpcbus <-> overlay boundary without pulling in the
// whole global or study package (which themselves depend on rpcbus and
// overlay), avoiding an import cycle.
package studyref

import "github.com/google/uuid"

// NameAndID is spec.md's StudyNameAndId: once established, immutable
// for the lifetime of the study node.
type NameAndID struct {
	Name string    `json:"study_name"`
	ID   uuid.UUID `json:"study_id"`
}

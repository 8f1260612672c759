package repository

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/pkg/omrs"
)

// lifecycleOp is an operation that moves an instance between statuses.
type lifecycleOp string

const (
	opCreate       lifecycleOp = "create"
	opUpdateStatus lifecycleOp = "update status"
	opDelete       lifecycleOp = "delete"
	opRestore      lifecycleOp = "restore"
	opPurge        lifecycleOp = "purge"
)

// transitionRule says whether op starts from, and ends in, DELETED.
type transitionRule struct {
	Op          lifecycleOp
	FromDeleted bool
	ToDeleted   bool
}

// defaultTransitions are the only ways into and out of DELETED.
var defaultTransitions = []transitionRule{
	{Op: opCreate, FromDeleted: false, ToDeleted: false},
	{Op: opUpdateStatus, FromDeleted: false, ToDeleted: false},
	{Op: opDelete, FromDeleted: false, ToDeleted: true},
	{Op: opRestore, FromDeleted: true, ToDeleted: false},
	{Op: opPurge, FromDeleted: true, ToDeleted: true},
}

// baseStatuses are stored by every repository.
var baseStatuses = []omrs.InstanceStatus{
	omrs.StatusDraft,
	omrs.StatusPrepared,
	omrs.StatusActive,
	omrs.StatusDeleted,
}

// lifecycleMachine validates status changes against the repository's
// supported statuses and the transition table.
type lifecycleMachine struct {
	transitions []transitionRule
	supported   mapset.Set[omrs.InstanceStatus]
}

func newLifecycleMachine(extra ...omrs.InstanceStatus) *lifecycleMachine {
	supported := mapset.NewSet(baseStatuses...)
	supported.Append(extra...)
	return &lifecycleMachine{
		transitions: defaultTransitions,
		supported:   supported,
	}
}

func (m *lifecycleMachine) rule(op lifecycleOp) transitionRule {
	for _, t := range m.transitions {
		if t.Op == op {
			return t
		}
	}
	return transitionRule{Op: op}
}

// checkSource verifies the current status allows op. kind picks the
// not-deleted error reported for restore and purge.
func (m *lifecycleMachine) checkSource(op lifecycleOp, kind graph.RecordKind, h *omrs.InstanceHeader) error {
	deleted := h.Status == omrs.StatusDeleted
	if m.rule(op).FromDeleted == deleted {
		return nil
	}
	if !deleted {
		errKind := omrs.KindEntityNotDeleted
		if kind == graph.KindRelationship {
			errKind = omrs.KindRelationshipNotDeleted
		}
		return omrs.Errorf(errKind, "OMRS-REPO-409-001",
			"instance %s cannot be %sd because its status is %s", h.GUID, op, h.Status)
	}
	return notKnown(kind, h.GUID)
}

// checkTarget verifies that op may leave an instance of a type with the
// given valid statuses in status.
func (m *lifecycleMachine) checkTarget(op lifecycleOp, typeName string, valid []omrs.InstanceStatus, status omrs.InstanceStatus) error {
	if (status == omrs.StatusDeleted) != m.rule(op).ToDeleted {
		return omrs.Errorf(omrs.KindStatusNotSupported, "OMRS-REPO-400-004",
			"status %s cannot be set by %s", status, op)
	}
	if status == omrs.StatusDeleted {
		return nil
	}
	if !m.supported.Contains(status) {
		return omrs.Errorf(omrs.KindStatusNotSupported, "OMRS-REPO-400-005",
			"status %s is not supported by this repository", status)
	}
	if len(valid) > 0 && !mapset.NewSet(valid...).Contains(status) {
		return omrs.Errorf(omrs.KindStatusNotSupported, "OMRS-REPO-400-006",
			"status %s is not valid for type %s", status, typeName)
	}
	return nil
}

func notKnown(kind graph.RecordKind, guid string) error {
	if kind == graph.KindRelationship {
		return omrs.Errorf(omrs.KindRelationshipNotKnown, "OMRS-REPO-404-002",
			"relationship %s is not known to this repository", guid)
	}
	return omrs.Errorf(omrs.KindEntityNotKnown, "OMRS-REPO-404-001",
		"entity %s is not known to this repository", guid)
}

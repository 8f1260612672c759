// Package omrs holds the client-visible contract of a cohort member: the
// typed instance model, type definitions, search criteria, cohort
// membership records and the error taxonomy shared by servers and clients.
package omrs

import "time"

// InstanceStatus is the lifecycle status of an entity, relationship or
// classification.
type InstanceStatus string

const (
	StatusUnknown  InstanceStatus = "UNKNOWN"
	StatusDraft    InstanceStatus = "DRAFT"
	StatusPrepared InstanceStatus = "PREPARED"
	StatusProposed InstanceStatus = "PROPOSED"
	StatusApproved InstanceStatus = "APPROVED"
	StatusRejected InstanceStatus = "REJECTED"
	StatusActive   InstanceStatus = "ACTIVE"
	StatusDisabled InstanceStatus = "DISABLED"
	StatusOther    InstanceStatus = "OTHER"
	StatusDeleted  InstanceStatus = "DELETED"
)

// ProvenanceType records where an instance originated, independent of its
// current home.
type ProvenanceType string

const (
	ProvenanceUnknown       ProvenanceType = "UNKNOWN"
	ProvenanceLocalCohort   ProvenanceType = "LOCAL_COHORT"
	ProvenanceExportArchive ProvenanceType = "EXPORT_ARCHIVE"
	ProvenanceContentPack   ProvenanceType = "CONTENT_PACK"
	ProvenanceDeregistered  ProvenanceType = "DEREGISTERED_REPOSITORY"
	ProvenanceConfiguration ProvenanceType = "CONFIGURATION"
	ProvenanceExternal      ProvenanceType = "EXTERNAL_SOURCE"
)

// ClassificationOrigin distinguishes directly assigned classifications from
// ones propagated across a relationship.
type ClassificationOrigin string

const (
	OriginAssigned   ClassificationOrigin = "ASSIGNED"
	OriginPropagated ClassificationOrigin = "PROPAGATED"
)

// MatchCriteria combines several property conditions.
type MatchCriteria string

const (
	MatchAll  MatchCriteria = "ALL"
	MatchAny  MatchCriteria = "ANY"
	MatchNone MatchCriteria = "NONE"
)

// SequencingOrder controls the order of list results.
type SequencingOrder string

const (
	SequenceAny                SequencingOrder = "ANY"
	SequenceGUID               SequencingOrder = "GUID"
	SequenceCreationRecent     SequencingOrder = "CREATION_DATE_RECENT"
	SequenceCreationOldest     SequencingOrder = "CREATION_DATE_OLDEST"
	SequenceLastUpdateRecent   SequencingOrder = "LAST_UPDATE_RECENT"
	SequenceLastUpdateOldest   SequencingOrder = "LAST_UPDATE_OLDEST"
	SequencePropertyAscending  SequencingOrder = "PROPERTY_ASCENDING"
	SequencePropertyDescending SequencingOrder = "PROPERTY_DESCENDING"
)

// IsPropertyOrder reports whether the order sorts by a named property.
func (o SequencingOrder) IsPropertyOrder() bool {
	return o == SequencePropertyAscending || o == SequencePropertyDescending
}

// HistorySequencingOrder orders the versions returned by history calls.
type HistorySequencingOrder string

const (
	HistoryForwards  HistorySequencingOrder = "FORWARDS"
	HistoryBackwards HistorySequencingOrder = "BACKWARDS"
)

// Paging is embedded by every list-returning request.
type Paging struct {
	StartFrom int `json:"startFrom,omitempty"`
	PageSize  int `json:"pageSize,omitempty"`
}

// Sequencing is embedded by requests that accept an ordering.
type Sequencing struct {
	SequencingProperty string          `json:"sequencingProperty,omitempty"`
	SequencingOrder    SequencingOrder `json:"sequencingOrder,omitempty"`
}

// Now is the clock used for timestamps. Tests replace it.
var Now = func() time.Time { return time.Now().UTC() }

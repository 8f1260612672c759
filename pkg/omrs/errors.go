package omrs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates protocol failures. The string value is the wire tag.
type Kind string

const (
	KindInvalidParameter       Kind = "INVALID_PARAMETER"
	KindPagingError            Kind = "PAGING_ERROR"
	KindTypeError              Kind = "TYPE_ERROR"
	KindTypeDefNotKnown        Kind = "TYPEDEF_NOT_KNOWN"
	KindTypeDefConflict        Kind = "TYPEDEF_CONFLICT"
	KindTypeDefNotSupported    Kind = "TYPEDEF_NOT_SUPPORTED"
	KindInvalidTypeDef         Kind = "INVALID_TYPEDEF"
	KindPatchError             Kind = "PATCH_ERROR"
	KindTypeDefInUse           Kind = "TYPEDEF_IN_USE"
	KindTypeDefKnown           Kind = "TYPEDEF_KNOWN"
	KindEntityNotKnown         Kind = "ENTITY_NOT_KNOWN"
	KindRelationshipNotKnown   Kind = "RELATIONSHIP_NOT_KNOWN"
	KindEntityProxyOnly        Kind = "ENTITY_PROXY_ONLY"
	KindEntityNotDeleted       Kind = "ENTITY_NOT_DELETED"
	KindRelationshipNotDeleted Kind = "RELATIONSHIP_NOT_DELETED"
	KindStatusNotSupported     Kind = "STATUS_NOT_SUPPORTED"
	KindPropertyError          Kind = "PROPERTY_ERROR"
	KindClassificationError    Kind = "CLASSIFICATION_ERROR"
	KindHomeEntity             Kind = "HOME_ENTITY"
	KindHomeRelationship       Kind = "HOME_RELATIONSHIP"
	KindEntityConflict         Kind = "ENTITY_CONFLICT"
	KindRelationshipConflict   Kind = "RELATIONSHIP_CONFLICT"
	KindInvalidEntity          Kind = "INVALID_ENTITY"
	KindInvalidRelationship    Kind = "INVALID_RELATIONSHIP"
	KindFunctionNotSupported   Kind = "FUNCTION_NOT_SUPPORTED"
	KindUserNotAuthorized      Kind = "USER_NOT_AUTHORIZED"
	KindRepositoryError        Kind = "REPOSITORY_ERROR"
)

// Priority bands used by MostSpecific. Lower is more specific.
const (
	priorityParameter = iota
	priorityDomain
	priorityAuthorization
	priorityInfrastructure
)

type kindInfo struct {
	httpCode     int
	priority     int
	systemAction string
	userAction   string
}

var kinds = map[Kind]kindInfo{
	KindInvalidParameter: {http.StatusBadRequest, priorityParameter,
		"The system is unable to process the request.",
		"Correct the request parameters and retry."},
	KindPagingError: {http.StatusBadRequest, priorityParameter,
		"The system is unable to page or sequence the results.",
		"Correct the paging and sequencing parameters and retry."},
	KindTypeError: {http.StatusBadRequest, priorityDomain,
		"The request refers to a type that cannot be used here.",
		"Check the type guid and name against the registered types."},
	KindTypeDefNotKnown: {http.StatusNotFound, priorityDomain,
		"The type definition is not registered with this repository.",
		"Register the type or correct its identifiers."},
	KindTypeDefConflict: {http.StatusConflict, priorityDomain,
		"The type definition clashes with a registered type.",
		"Reconcile the conflicting definitions before retrying."},
	KindTypeDefNotSupported: {http.StatusNotImplemented, priorityDomain,
		"The repository cannot store instances of this type category.",
		"Use a repository that supports the category."},
	KindInvalidTypeDef: {http.StatusBadRequest, priorityDomain,
		"The type definition is malformed.",
		"Correct the type definition and retry."},
	KindPatchError: {http.StatusBadRequest, priorityDomain,
		"The patch cannot be applied to the registered type.",
		"Correct the patch so it is compatible with the current version."},
	KindTypeDefInUse: {http.StatusConflict, priorityDomain,
		"Instances of the type are still stored.",
		"Remove the instances before changing the type."},
	KindTypeDefKnown: {http.StatusConflict, priorityDomain,
		"The type definition is already registered.",
		"No action is needed if the definitions are identical."},
	KindEntityNotKnown: {http.StatusNotFound, priorityDomain,
		"The entity is not stored in this repository.",
		"Check the entity guid."},
	KindRelationshipNotKnown: {http.StatusNotFound, priorityDomain,
		"The relationship is not stored in this repository.",
		"Check the relationship guid."},
	KindEntityProxyOnly: {http.StatusNotFound, priorityDomain,
		"Only a proxy of the entity is stored locally.",
		"Retrieve the entity from its home repository."},
	KindEntityNotDeleted: {http.StatusConflict, priorityDomain,
		"The entity is not soft-deleted.",
		"Delete the entity first."},
	KindRelationshipNotDeleted: {http.StatusConflict, priorityDomain,
		"The relationship is not soft-deleted.",
		"Delete the relationship first."},
	KindStatusNotSupported: {http.StatusBadRequest, priorityDomain,
		"The status is not valid for the instance type.",
		"Use one of the valid statuses of the type."},
	KindPropertyError: {http.StatusBadRequest, priorityDomain,
		"The properties do not match the type definition.",
		"Correct the properties and retry."},
	KindClassificationError: {http.StatusBadRequest, priorityDomain,
		"The classification is not valid for the entity.",
		"Check the classification name and the entity type."},
	KindHomeEntity: {http.StatusBadRequest, priorityDomain,
		"The entity is homed in this repository and cannot be saved as a reference copy.",
		"Update the entity through the home operations."},
	KindHomeRelationship: {http.StatusBadRequest, priorityDomain,
		"The relationship is homed in this repository and cannot be saved as a reference copy.",
		"Update the relationship through the home operations."},
	KindEntityConflict: {http.StatusConflict, priorityDomain,
		"An entity with the same guid and a different home is already stored.",
		"Reconcile the two entities, for example by re-identifying one of them."},
	KindRelationshipConflict: {http.StatusConflict, priorityDomain,
		"A relationship with the same guid and a different home is already stored.",
		"Reconcile the two relationships, for example by re-identifying one of them."},
	KindInvalidEntity: {http.StatusBadRequest, priorityDomain,
		"The entity reference copy is malformed.",
		"Correct the reference copy at its source."},
	KindInvalidRelationship: {http.StatusBadRequest, priorityDomain,
		"The relationship reference copy is malformed.",
		"Correct the reference copy at its source."},
	KindFunctionNotSupported: {http.StatusNotImplemented, priorityDomain,
		"The repository does not implement this optional function.",
		"Use a different approach or a repository with the function."},
	KindUserNotAuthorized: {http.StatusForbidden, priorityAuthorization,
		"The user is not permitted to perform this request.",
		"Request access from the repository owner."},
	KindRepositoryError: {http.StatusInternalServerError, priorityInfrastructure,
		"The repository failed to process the request.",
		"Check the repository logs and retry."},
}

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// HTTPCode is the HTTP status related to the kind.
func (k Kind) HTTPCode() int {
	if info, ok := kinds[k]; ok {
		return info.httpCode
	}
	return http.StatusInternalServerError
}

// KindFromWire maps a wire tag to its Kind. Tags this version does not know
// degrade to KindRepositoryError.
func KindFromWire(tag string) Kind {
	k := Kind(tag)
	if k.Known() {
		return k
	}
	return KindRepositoryError
}

// Error is the single failure type of the protocol.
type Error struct {
	Kind         Kind
	MessageID    string
	Message      string
	Params       []string
	SystemAction string
	UserAction   string
	HTTPCode     int
	Cause        error
	Properties   map[string]any
}

// Errorf builds an Error of the given kind. The formatted arguments are kept
// as the message parameters.
func Errorf(kind Kind, messageID, format string, args ...any) *Error {
	info, ok := kinds[kind]
	if !ok {
		kind = KindRepositoryError
		info = kinds[kind]
	}
	params := make([]string, len(args))
	for i, a := range args {
		params[i] = fmt.Sprint(a)
	}
	return &Error{
		Kind:         kind,
		MessageID:    messageID,
		Message:      fmt.Sprintf(format, args...),
		Params:       params,
		SystemAction: info.systemAction,
		UserAction:   info.userAction,
		HTTPCode:     info.httpCode,
	}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithProperty attaches a structured detail.
func (e *Error) WithProperty(key string, value any) *Error {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	e.Properties[key] = value
	return e
}

func (e *Error) Error() string {
	if e.MessageID == "" {
		return e.Message
	}
	return e.MessageID + " " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so errors.Is works against
// the Err* values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.MessageID == "" && t.Kind == e.Kind
}

// Comparable values for errors.Is.
var (
	ErrInvalidParameter     = &Error{Kind: KindInvalidParameter}
	ErrPagingError          = &Error{Kind: KindPagingError}
	ErrEntityNotKnown       = &Error{Kind: KindEntityNotKnown}
	ErrRelationshipNotKnown = &Error{Kind: KindRelationshipNotKnown}
	ErrFunctionNotSupported = &Error{Kind: KindFunctionNotSupported}
	ErrUserNotAuthorized    = &Error{Kind: KindUserNotAuthorized}
	ErrRepositoryError      = &Error{Kind: KindRepositoryError}
)

// KindOf returns the kind of err. Errors that are not *Error are reported
// as KindRepositoryError; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRepositoryError
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// AsError converts any error to *Error, wrapping foreign errors as a
// repository error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Errorf(KindRepositoryError, "OMRS-REPO-500-001",
		"unexpected failure: %s", err.Error()).WithCause(err)
}

// MostSpecific picks the error to surface when a call collected several.
// Parameter errors beat domain errors, which beat authorization, which beat
// infrastructure failures. Earlier errors win ties.
func MostSpecific(errs ...error) error {
	var best error
	bestPriority := priorityInfrastructure + 1
	for _, err := range errs {
		if err == nil {
			continue
		}
		p := priorityInfrastructure
		if info, ok := kinds[KindOf(err)]; ok {
			p = info.priority
		}
		if p < bestPriority {
			best, bestPriority = err, p
		}
	}
	return best
}

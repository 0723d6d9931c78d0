package engine

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindSequencing    Kind = "sequencing"
	KindConflict      Kind = "conflict"
	KindResolution    Kind = "resolution"
	KindInvariant     Kind = "invariant"
	KindNotFound      Kind = "not_found"
)

const (
	CodeInvalidPayload     = "InvalidPayload"
	CodeInvalidStageConfig = "InvalidStageConfig"
	CodeInvalidFieldSchema = "InvalidFieldSchema"
	CodeInvalidDecision    = "InvalidDecision"
	CodeInvalidRule        = "InvalidRule"

	CodeApproverNotAuthorized = "ApproverNotAuthorized"
	CodeNotRequester          = "NotRequester"

	CodeStageNotCurrent = "StageNotCurrent"
	CodeOutOfSequence   = "OutOfSequence"
	CodeAlreadyDecided  = "AlreadyDecided"
	CodeInstanceClosed  = "InstanceClosed"

	CodeVersionConflict         = "VersionConflict"
	CodeDuplicateCategoryCode   = "DuplicateCategoryCode"
	CodeDefaultTemplateConflict = "DefaultTemplateConflict"
	CodeTemplateInUse           = "TemplateInUse"

	CodeNoApproverResolved     = "NoApproverResolved"
	CodeHierarchyCycleDetected = "HierarchyCycleDetected"
	CodeHierarchyTooDeep       = "HierarchyTooDeep"
	CodeTemplateNotFound       = "TemplateNotFound"
	CodeTemplateInactive       = "TemplateInactive"
	CodeCategoryInactive       = "CategoryInactive"

	CodeEmptyTemplate       = "EmptyTemplate"
	CodeNonContiguousStages = "NonContiguousStages"

	CodeCategoryNotFound = "CategoryNotFound"
	CodeInstanceNotFound = "InstanceNotFound"
	CodeRuleNotFound     = "RuleNotFound"
)

var codeKinds = map[string]Kind{
	CodeInvalidPayload:          KindValidation,
	CodeInvalidStageConfig:      KindValidation,
	CodeInvalidFieldSchema:      KindValidation,
	CodeInvalidDecision:         KindValidation,
	CodeInvalidRule:             KindValidation,
	CodeApproverNotAuthorized:   KindAuthorization,
	CodeNotRequester:            KindAuthorization,
	CodeStageNotCurrent:         KindSequencing,
	CodeOutOfSequence:           KindSequencing,
	CodeAlreadyDecided:          KindSequencing,
	CodeInstanceClosed:          KindSequencing,
	CodeVersionConflict:         KindConflict,
	CodeDuplicateCategoryCode:   KindConflict,
	CodeDefaultTemplateConflict: KindConflict,
	CodeTemplateInUse:           KindConflict,
	CodeNoApproverResolved:      KindResolution,
	CodeHierarchyCycleDetected:  KindResolution,
	CodeHierarchyTooDeep:        KindResolution,
	CodeTemplateNotFound:        KindResolution,
	CodeTemplateInactive:        KindResolution,
	CodeCategoryInactive:        KindResolution,
	CodeEmptyTemplate:           KindInvariant,
	CodeNonContiguousStages:     KindInvariant,
	CodeCategoryNotFound:        KindNotFound,
	CodeInstanceNotFound:        KindNotFound,
	CodeRuleNotFound:            KindNotFound,
}

// Error is a domain failure the caller can act on.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, format string, args ...any) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindValidation
	}
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withDetails(d any) *Error {
	e.Details = d
	return e
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Code == code
}

// AsError extracts the domain error from err.
func AsError(err error) (*Error, bool) {
	var ee *Error
	ok := errors.As(err, &ee)
	return ee, ok
}

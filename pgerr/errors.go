package pgerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is a five-character SQLSTATE.
type Code string

const (
	InvalidParameterValue        Code = "22023"
	OutOfSharedMemory            Code = "53200"
	ObjectNotInPrerequisiteState Code = "55000"
	LockNotAvailable             Code = "55P03"
	DataCorrupted                Code = "XX001"
	InternalError                Code = "XX000"
	DuplicateObject              Code = "42710"
	InvalidObjectDefinition      Code = "42P17"
	ProgramLimitExceeded         Code = "54000"
	ConfigFileError              Code = "F0000"
	SnapshotTooOld               Code = "72000"
	QueryCanceled                Code = "57014"
	TooManyConnections           Code = "53300"
	UndefinedTable               Code = "42P01"
	ObjectInUse                  Code = "55006"
	UndefinedObject              Code = "42704"
)

// Error is a reportable error with a SQLSTATE and optional detail, hint
// and 1-based cursor position into the offending input.
type Error struct {
	Code     Code
	Message  string
	Detail   string
	Hint     string
	Position int
}

func (e *Error) Error() string {
	return fmt.Sprintf("ERROR (%s): %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetail returns e with detail set.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithHint returns e with hint set.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithPosition returns e with a cursor position.
func (e *Error) WithPosition(pos int) *Error {
	e.Position = pos
	return e
}

// Sentinel values for errors.Is comparisons.
var (
	ErrInvalidParameterValue        = &Error{Code: InvalidParameterValue}
	ErrOutOfSharedMemory            = &Error{Code: OutOfSharedMemory}
	ErrObjectNotInPrerequisiteState = &Error{Code: ObjectNotInPrerequisiteState}
	ErrLockNotAvailable             = &Error{Code: LockNotAvailable}
	ErrDataCorrupted                = &Error{Code: DataCorrupted}
	ErrInternal                     = &Error{Code: InternalError}
	ErrDuplicateObject              = &Error{Code: DuplicateObject}
	ErrInvalidObjectDefinition      = &Error{Code: InvalidObjectDefinition}
	ErrProgramLimitExceeded         = &Error{Code: ProgramLimitExceeded}
	ErrConfigFile                   = &Error{Code: ConfigFileError}
	ErrSnapshotTooOld               = &Error{Code: SnapshotTooOld}
	ErrQueryCanceled                = &Error{Code: QueryCanceled}
	ErrUndefinedTable               = &Error{Code: UndefinedTable}
	ErrUndefinedObject              = &Error{Code: UndefinedObject}
)

// CodeOf extracts the SQLSTATE of err, looking through wrappers.
// Errors that carry no code report InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return InternalError
}

// IsCode reports whether err carries the given SQLSTATE.
func IsCode(err error, code Code) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == code
}

// Wrapf annotates err with context while keeping its code reachable.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

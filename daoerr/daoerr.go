// Package daoerr defines the fixed set of error codes surfaced by the DAO
// engine, plus the sentinel errors callers check directly.
package daoerr

import "errors"

// Code is one of the engine's failure codes.
type Code int

const (
	WrongParameter Code = iota + 1
	OperationNotInJournal
	SubtreeUnequal
	DifferentServerAddresses
	OperationExisting
	SendingFailed
	LoggingFailed
	SubtreeNotExisting
	SelfWrongServer
	NoMlt
	NoSal
	NoBeginLog
	Internal
	UnknownAddress
	WrongEvent
	OperationFinished
	DifferentStatus
	UnknownLog
	NotAllOperationsRecoverable
	NoFailureTreatmentPossible
	SettingAddressesFailed
)

var names = map[Code]string{
	WrongParameter:              "DAOWrongParameter",
	OperationNotInJournal:       "DAOOperationNotInJournal",
	SubtreeUnequal:              "DAOSubtreeUnequal",
	DifferentServerAddresses:    "DAODifferentServerAddresses",
	OperationExisting:           "DAOOperationExisting",
	SendingFailed:               "DAOSendingFailed",
	LoggingFailed:               "DAOLoggingFailed",
	SubtreeNotExisting:          "DAOSubtreeNotExisting",
	SelfWrongServer:             "DAOSelfWrongServer",
	NoMlt:                       "DAONoMlt",
	NoSal:                       "DAONoSal",
	NoBeginLog:                  "DAONoBeginLog",
	Internal:                    "DAOInternal",
	UnknownAddress:              "DAOUnknownAddress",
	WrongEvent:                  "DAOWrongEvent",
	OperationFinished:           "DAOOperationFinished",
	DifferentStatus:             "DAODifferentStatus",
	UnknownLog:                  "DAOUnknownLog",
	NotAllOperationsRecoverable: "DAONotAllOperationsRecoverable",
	NoFailureTreatmentPossible:  "DAONoFailureTreatmentPossible",
	SettingAddressesFailed:      "DAOSettingAddressesFailed",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "DAOUnknownCode"
}

// Error wraps a Code with the operation it occurred in and, where
// applicable, the underlying cause (a journal or transport failure).
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Code.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/code with no further cause.
func New(op string, code Code) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap builds an *Error for op/code around an underlying cause.
func Wrap(op string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Is reports whether err is a *Error carrying the given code, following the
// same unwrap-chain convention as the standard errors package.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Sentinel errors for conditions that are not protocol error codes but are
// checked by callers directly (mirrors utils/errors.go's bare sentinels).
var (
	ErrRecoveryNotDone = errors.New("recovery has not completed")
	ErrUnknownID       = errors.New("operation id not known to this host")
)

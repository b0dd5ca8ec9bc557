package program

import "fmt"

// Error is a program failure with a stable numeric code. Codes from 6000 are
// protocol errors; lower codes are framework checks on instruction and
// account shape. Two errors match under errors.Is when their codes match, so
// a detailed error still matches its sentinel.
type Error struct {
	Code   uint32
	Name   string
	Msg    string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("program error %d %s: %s (%s)", e.Code, e.Name, e.Msg, e.Detail)
	}
	return fmt.Sprintf("program error %d %s: %s", e.Code, e.Name, e.Msg)
}

// Is matches on code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy carrying detail.
func (e *Error) With(format string, args ...any) *Error {
	c := *e
	c.Detail = fmt.Sprintf(format, args...)
	return &c
}

// Kind classifies an error for remediation.
type Kind string

const (
	KindPrecondition  Kind = "precondition"
	KindAuthorization Kind = "authorization"
	KindBounds        Kind = "bounds"
	KindMalformed     Kind = "malformed"
)

// Kind reports which class the error belongs to.
func (e *Error) Kind() Kind {
	switch e.Code {
	case ErrUnauthorized.Code, ErrMissingSigner.Code, ErrAgentMismatch.Code:
		return KindAuthorization
	case ErrNameTooLong.Code, ErrActionTypeTooLong.Code, ErrUriTooLong.Code,
		ErrConfidenceOutOfRange.Code, ErrEmptyUri.Code:
		return KindBounds
	case ErrAlreadyRegistered.Code, ErrAgentNotFound.Code, ErrInvalidNonce.Code,
		ErrCommitmentNotFound.Code, ErrAlreadyRevealed.Code:
		return KindPrecondition
	default:
		return KindMalformed
	}
}

func newError(code uint32, name, msg string) *Error {
	return &Error{Code: code, Name: name, Msg: msg}
}

// Framework errors.
var (
	ErrInstructionMissing         = newError(100, "InstructionMissing", "instruction data shorter than discriminator")
	ErrInstructionUnknown         = newError(101, "InstructionFallbackNotFound", "unknown instruction discriminator")
	ErrInstructionDidNotDecode    = newError(102, "InstructionDidNotDeserialize", "instruction arguments did not decode")
	ErrWrongProgram               = newError(103, "WrongProgram", "transaction targets another program")
	ErrMissingSigner              = newError(2003, "ConstraintSigner", "authority account is not the transaction signer")
	ErrConstraintSeeds            = newError(2006, "ConstraintSeeds", "account does not match its derived address")
	ErrNotEnoughAccountKeys       = newError(3005, "AccountNotEnoughKeys", "not enough account keys given to the instruction")
	ErrAccountDiscriminator       = newError(3002, "AccountDiscriminatorMismatch", "account discriminator did not match")
	ErrAccountDidNotDecode        = newError(3003, "AccountDidNotDeserialize", "account data did not decode")
	ErrAccountOwnedByWrongProgram = newError(3007, "AccountOwnedByWrongProgram", "account is not owned by this program")
)

// Protocol errors.
var (
	ErrNameTooLong          = newError(6000, "NameTooLong", "agent name exceeds maximum length")
	ErrActionTypeTooLong    = newError(6001, "ActionTypeTooLong", "action type exceeds maximum length")
	ErrConfidenceOutOfRange = newError(6002, "ConfidenceOutOfRange", "confidence must be between 0 and 100")
	ErrUriTooLong           = newError(6003, "UriTooLong", "reasoning URI exceeds maximum length")
	ErrAlreadyRevealed      = newError(6004, "AlreadyRevealed", "commitment has already been revealed")
	ErrUnauthorized         = newError(6005, "Unauthorized", "signer is not the commitment authority")
	ErrInvalidNonce         = newError(6006, "InvalidNonce", "nonce does not match the agent's next commitment")
	ErrAgentNotFound        = newError(6007, "AgentNotFound", "no agent registered for this authority")
	ErrCommitmentNotFound   = newError(6008, "CommitmentNotFound", "no commitment at this address")
	ErrAlreadyRegistered    = newError(6009, "AlreadyRegistered", "agent already registered for this authority")
	ErrAgentMismatch        = newError(6010, "AgentMismatch", "agent account does not own this commitment")
	ErrEmptyUri             = newError(6011, "EmptyUri", "reasoning URI must not be empty")
)

var errorsByCode = func() map[uint32]*Error {
	m := make(map[uint32]*Error)
	for _, e := range []*Error{
		ErrInstructionMissing, ErrInstructionUnknown, ErrInstructionDidNotDecode, ErrWrongProgram,
		ErrMissingSigner, ErrConstraintSeeds, ErrNotEnoughAccountKeys, ErrAccountDiscriminator,
		ErrAccountDidNotDecode, ErrAccountOwnedByWrongProgram,
		ErrNameTooLong, ErrActionTypeTooLong, ErrConfidenceOutOfRange, ErrUriTooLong,
		ErrAlreadyRevealed, ErrUnauthorized, ErrInvalidNonce, ErrAgentNotFound,
		ErrCommitmentNotFound, ErrAlreadyRegistered, ErrAgentMismatch, ErrEmptyUri,
	} {
		m[e.Code] = e
	}
	return m
}()

// ErrorByCode returns the sentinel for code, or nil.
func ErrorByCode(code uint32) *Error {
	return errorsByCode[code]
}

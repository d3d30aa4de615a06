package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown or already torn down.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound is returned when a participant tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrInvalidQuiz indicates a quiz definition that cannot be attached to a session.
	ErrInvalidQuiz = errors.New("invalid quiz definition")
	// ErrOptionOutOfRange indicates a submitted option index outside the question's options.
	ErrOptionOutOfRange = errors.New("option index out of range")
	// ErrInvalidName indicates an empty or oversized display name.
	ErrInvalidName = errors.New("invalid display name")
	// ErrInvalidMessage indicates a malformed or unknown inbound message.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrAlreadyInSession is returned when a connection tries to create or join twice.
	ErrAlreadyInSession = errors.New("connection already bound to a session")
	// ErrNoSession is returned when a connection sends session traffic before joining.
	ErrNoSession = errors.New("no active session")
	// ErrEmptyChat indicates an empty or oversized chat message.
	ErrEmptyChat = errors.New("invalid chat message")

	// ErrBanned is returned when a kicked participant tries to join again.
	ErrBanned = errors.New("participant is banned from this session")
	// ErrNameTaken is returned when another active participant already uses the display name.
	ErrNameTaken = errors.New("display name already taken")
	// ErrSessionClosed is returned when a session no longer accepts joins or actions.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidState is returned when an operation is not valid for the lifecycle state.
	ErrInvalidState = errors.New("operation invalid for session state")
	// ErrNoOpenQuestion is returned when answers or closes arrive while no question is open.
	ErrNoOpenQuestion = fmt.Errorf("%w: no question is open", ErrInvalidState)
	// ErrStaleRound is returned when a close refers to a round token that is no longer current.
	ErrStaleRound = fmt.Errorf("%w: round already superseded", ErrInvalidState)

	// ErrNotHost is returned when a player invokes a host-only action.
	ErrNotHost = errors.New("only the host may do that")
	// ErrHostCannotAnswer is returned when the host submits an answer.
	ErrHostCannotAnswer = errors.New("host cannot submit answers")
	// ErrMuted is returned when a muted participant tries to chat.
	ErrMuted = errors.New("participant is muted")
	// ErrWrongPassword is returned when a join carries the wrong session password.
	ErrWrongPassword = errors.New("incorrect session password")
	// ErrResumeRejected is returned when a join reuses a known participant id without its resume token.
	ErrResumeRejected = errors.New("participant id already claimed")

	// ErrBackpressure is returned when a connection's outbound buffer is full.
	ErrBackpressure = errors.New("connection send buffer full")
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrorKind groups errors by how they are reported to clients.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state"
	KindAuthorization ErrorKind = "authorization"
	KindTransport     ErrorKind = "transport"
	KindInternal      ErrorKind = "internal"
)

var kinds = []struct {
	kind ErrorKind
	errs []error
}{
	{KindValidation, []error{
		ErrSessionNotFound, ErrParticipantNotFound, ErrQuizNotFound, ErrInvalidQuiz,
		ErrOptionOutOfRange, ErrInvalidName, ErrInvalidMessage, ErrAlreadyInSession,
		ErrNoSession, ErrEmptyChat,
	}},
	{KindState, []error{
		ErrNameTaken, ErrSessionClosed, ErrInvalidState, ErrNoOpenQuestion, ErrStaleRound,
	}},
	{KindAuthorization, []error{ErrBanned, ErrNotHost, ErrHostCannotAnswer, ErrMuted, ErrWrongPassword, ErrResumeRejected}},
	{KindTransport, []error{ErrBackpressure, ErrConnectionClosed}},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}

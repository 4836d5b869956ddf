package detection

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies where in the request pipeline a failure happened.
type Kind int

const (
	KindInternal Kind = iota
	KindMalformedRequest
	KindImageDecode
	KindEngineUnavailable
	KindInference
	KindEngineBusy
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "MalformedRequest"
	case KindImageDecode:
		return "ImageDecodeError"
	case KindEngineUnavailable:
		return "EngineUnavailable"
	case KindInference:
		return "InferenceError"
	case KindEngineBusy:
		return "EngineBusy"
	default:
		return "InternalError"
	}
}

// Error is a classified pipeline failure. Msg is what the client sees;
// Err keeps the underlying cause for errors.Is/As and logging.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrModelNotLoaded is the cause carried by every EngineUnavailable error.
var ErrModelNotLoaded = errors.New("Model not properly loaded")

func MalformedRequest(msg string, err error) *Error {
	return &Error{Kind: KindMalformedRequest, Msg: msg, Err: err}
}

func ImageDecodeError(msg string, err error) *Error {
	return &Error{Kind: KindImageDecode, Msg: msg, Err: err}
}

func EngineUnavailable() *Error {
	return &Error{Kind: KindEngineUnavailable, Msg: ErrModelNotLoaded.Error()}
}

func InferenceError(msg string, err error) *Error {
	return &Error{Kind: KindInference, Msg: msg, Err: err}
}

func EngineBusy(msg string, err error) *Error {
	return &Error{Kind: KindEngineBusy, Msg: msg, Err: err}
}

func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Msg: "internal error", Err: err}
}

// KindOf reports the classification of err. Anything that is not a
// *Error is treated as internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// StatusCode maps an error to the HTTP status the gateway answers with.
func StatusCode(err error) int {
	if KindOf(err) == KindMalformedRequest {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Package decode classifies raw tool results into typed outcomes.
//
// The backend returns tool output in a single "response" field whose
// content decides whether the call succeeded. Nothing outside this
// package inspects that field directly.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/connhub/internal/types"
)

// ErrorPrefix marks an in-band tool failure.
const ErrorPrefix = "Error"

// Kind tags an Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindToolError
	KindMalformed
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindToolError:
		return "tool-error"
	case KindMalformed:
		return "malformed-payload"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of decoding one tool call. Value is only
// meaningful when Kind is KindSuccess; Detail carries the tool error
// text, the unparseable payload, or the transport error message.
type Outcome[T any] struct {
	Kind   Kind
	Value  T
	Detail string
	Err    error

	// Coerced is set when a listing payload parsed to something other
	// than a sequence and was accepted as an empty list.
	Coerced bool
}

// OK reports whether the outcome is a success.
func (o Outcome[T]) OK() bool { return o.Kind == KindSuccess }

// Failure returns the outcome as an error, or nil on success.
func (o Outcome[T]) Failure() error {
	if o.Kind == KindSuccess {
		return nil
	}
	return &FailureError{Kind: o.Kind, Detail: o.Detail, Err: o.Err}
}

// FailureError is the error form of a failed Outcome.
type FailureError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

func (e *FailureError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or KindSuccess when
// err is nil. Errors that did not come from an Outcome count as
// transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransport
}

// List decodes the result of a listing or search call. The returned
// items are the raw JSON elements of the sequence; projecting them onto
// resource nodes is left to the connector.
func List(res types.RawResult, err error) Outcome[[]json.RawMessage] {
	var out Outcome[[]json.RawMessage]
	if failed, ok := classifyTransport[[]json.RawMessage](err); ok {
		return failed
	}

	text, isString, ok := payloadText(res)
	if !ok {
		out.Kind = KindMalformed
		out.Detail = res.Body
		return out
	}
	if isString && strings.HasPrefix(text, ErrorPrefix) {
		out.Kind = KindToolError
		out.Detail = text
		return out
	}

	data := []byte(text)
	if !json.Valid(data) {
		out.Kind = KindMalformed
		out.Detail = text
		return out
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		slog.Warn("listing payload is not a sequence, treating as empty",
			"request_id", res.RequestID,
			"payload", truncate(text, 120),
		)
		out.Kind = KindSuccess
		out.Value = []json.RawMessage{}
		out.Coerced = true
		return out
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		out.Kind = KindMalformed
		out.Detail = text
		return out
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	out.Kind = KindSuccess
	out.Value = items
	return out
}

// Text decodes the result of a call whose payload is prose, such as a
// mutation acknowledgement or file content. A JSON object carrying an
// "error" member is also treated as a tool error here, since no caller
// of Text expects structured output.
func Text(res types.RawResult, err error) Outcome[string] {
	var out Outcome[string]
	if failed, ok := classifyTransport[string](err); ok {
		return failed
	}

	text, isString, ok := payloadText(res)
	if !ok {
		out.Kind = KindMalformed
		out.Detail = res.Body
		return out
	}
	if isString && strings.HasPrefix(text, ErrorPrefix) {
		out.Kind = KindToolError
		out.Detail = text
		return out
	}
	if msg, found := errorMember(text); found {
		out.Kind = KindToolError
		out.Detail = msg
		return out
	}
	out.Kind = KindSuccess
	out.Value = text
	return out
}

func classifyTransport[T any](err error) (Outcome[T], bool) {
	if err == nil {
		return Outcome[T]{}, false
	}
	return Outcome[T]{Kind: KindTransport, Detail: err.Error(), Err: err}, true
}

// payloadText unwraps the response field. A JSON string is unquoted;
// any other JSON value is returned as its raw text. ok is false when the
// envelope carried no response field at all.
func payloadText(res types.RawResult) (text string, isString bool, ok bool) {
	raw := bytes.TrimSpace(res.Payload)
	if len(raw) == 0 {
		return "", false, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true, true
		}
	}
	return string(raw), false, true
}

func errorMember(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", false
	}
	raw, found := obj["error"]
	if !found {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = string(raw)
	}
	return msg, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/taskclaw/internal/apperr"
)

// Result is the canonical outcome of a tool invocation. Every handler return
// value and every failure is normalized into this shape before it reaches
// the oracle or the wire.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	dataErrorCode   = "error_code"
	dataClarify     = "clarification_needed"
	dataCandidates  = "candidates"
	defaultOKMsg    = "ok"
	emptyResultText = "the operation returned no result"
)

// OK builds a success result.
func OK(message string, data any) Result {
	if message == "" {
		message = defaultOKMsg
	}
	return Result{Success: true, Message: message, Data: data}
}

// Failure builds a failed result carrying a stable error code.
func Failure(code apperr.Code, message string) Result {
	return Result{
		Success: false,
		Message: message,
		Data:    map[string]any{dataErrorCode: string(code)},
	}
}

// Candidate is one possible match for an ambiguous task reference.
type Candidate struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Clarify builds the soft "which one did you mean" result. It is not an
// error: nothing was mutated and the turn ends with question as the reply.
func Clarify(question string, candidates []Candidate) Result {
	return Result{
		Success: false,
		Message: question,
		Data: map[string]any{
			dataErrorCode:  string(apperr.CodeAmbiguous),
			dataClarify:    true,
			dataCandidates: candidates,
		},
	}
}

// ErrorCode returns the code recorded on a failed result, or "".
func (r Result) ErrorCode() apperr.Code {
	m, ok := r.Data.(map[string]any)
	if !ok {
		return ""
	}
	switch v := m[dataErrorCode].(type) {
	case string:
		return apperr.Code(v)
	case apperr.Code:
		return v
	}
	return ""
}

// NeedsClarification reports whether r asks the user to disambiguate.
func (r Result) NeedsClarification() bool {
	m, ok := r.Data.(map[string]any)
	if !ok {
		return false
	}
	v, _ := m[dataClarify].(bool)
	return v
}

// TranslateResult normalizes any handler return value into a Result.
// Applying it to a value that is already canonical, in struct or decoded
// JSON form, returns an equivalent Result.
func TranslateResult(raw any) Result {
	switch v := raw.(type) {
	case nil:
		return OK("", nil)
	case Result:
		return v
	case *Result:
		if v == nil {
			return Failure(apperr.CodeToolExecution, emptyResultText)
		}
		return *v
	case error:
		return resultFromError(v)
	case string:
		return OK(v, nil)
	case map[string]any:
		return fromMap(v)
	case json.RawMessage:
		return fromJSON(v)
	case []byte:
		return fromJSON(v)
	default:
		// Arbitrary structs are round-tripped through JSON so that the data
		// payload is plain maps and slices, the same form a decoded result has.
		b, err := json.Marshal(v)
		if err != nil {
			return Failure(apperr.CodeToolExecution, emptyResultText)
		}
		return fromJSON(b)
	}
}

func fromJSON(b []byte) Result {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return OK(string(b), nil)
	}
	if m, ok := decoded.(map[string]any); ok {
		return fromMap(m)
	}
	return OK("", decoded)
}

// fromMap accepts either the canonical keys or an arbitrary object, which
// becomes the data of a success result.
func fromMap(m map[string]any) Result {
	success, hasSuccess := m["success"].(bool)
	if !hasSuccess {
		return OK("", m)
	}
	msg, _ := m["message"].(string)
	if msg == "" && success {
		msg = defaultOKMsg
	}
	return Result{Success: success, Message: msg, Data: m["data"]}
}

func resultFromError(err error) Result {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		pub := apperr.From(apperr.Wrap(apperr.CodeToolExecution, "", err))
		return Failure(pub.Code, pub.Message)
	}
	if ae.Code == apperr.CodeAmbiguous {
		return Clarify(ae.Message, nil)
	}
	pub := apperr.From(ae)
	return Failure(pub.Code, pub.Message)
}

// String renders r compactly for logs and for feeding back to the oracle.
func (r Result) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("{success:%v message:%q}", r.Success, r.Message)
	}
	return string(b)
}

// Package envelope unwraps provider response bodies.
//
// Providers either wrap their payload in a code/message/data triple or return
// the payload fields at the top level. Decode detects which shape a body has
// and decodes the payload into the caller's struct.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/maauso/clipchain-api/internal/generr"
)

// Format describes one provider's envelope conventions.
type Format struct {
	Provider string
	// CodeField, MessageField and DataField default to code, message and data.
	CodeField    string
	MessageField string
	DataField    string
	// Success reports whether a wrapped code means success.
	Success func(code gjson.Result) bool
	// Classify maps a non-success business code to an error kind.
	// Nil classifies everything as KindPermanent.
	Classify func(code gjson.Result, message string) generr.Kind
}

func (s Format) codeField() string {
	if s.CodeField == "" {
		return "code"
	}
	return s.CodeField
}

func (s Format) messageField() string {
	if s.MessageField == "" {
		return "message"
	}
	return s.MessageField
}

func (s Format) dataField() string {
	if s.DataField == "" {
		return "data"
	}
	return s.DataField
}

// IsWrapped reports whether body carries a code field next to a data or
// message field.
func (s Format) IsWrapped(body []byte) bool {
	res := gjson.GetManyBytes(body, s.codeField(), s.dataField(), s.messageField())
	return res[0].Exists() && (res[1].Exists() || res[2].Exists())
}

// Decode unwraps body into v.
//
// A wrapped body with a non-success code becomes a classified *generr.Error.
// A wrapped success whose data cannot be decoded, or a flat body that is not
// decodable, becomes KindUnexpectedEnvelope.
func Decode(s Format, body []byte, v any) error {
	if !gjson.ValidBytes(body) {
		return &generr.Error{
			Kind:     generr.KindUnexpectedEnvelope,
			Provider: s.Provider,
			Message:  "response body is not valid JSON",
		}
	}

	if !s.IsWrapped(body) {
		if err := json.Unmarshal(body, v); err != nil {
			return &generr.Error{Kind: generr.KindUnexpectedEnvelope, Provider: s.Provider, Err: err}
		}
		return nil
	}

	code := gjson.GetBytes(body, s.codeField())
	msg := gjson.GetBytes(body, s.messageField()).String()

	if s.Success == nil || !s.Success(code) {
		kind := generr.KindPermanent
		if s.Classify != nil {
			kind = s.Classify(code, msg)
		}
		return &generr.Error{Kind: kind, Provider: s.Provider, Code: code.String(), Message: msg}
	}

	data := gjson.GetBytes(body, s.dataField())
	if !data.Exists() || data.Type == gjson.Null {
		return &generr.Error{
			Kind:     generr.KindUnexpectedEnvelope,
			Provider: s.Provider,
			Code:     code.String(),
			Message:  "success envelope without data",
		}
	}
	if err := json.Unmarshal([]byte(data.Raw), v); err != nil {
		return &generr.Error{
			Kind:     generr.KindUnexpectedEnvelope,
			Provider: s.Provider,
			Code:     code.String(),
			Err:      fmt.Errorf("decode envelope data: %w", err),
		}
	}
	return nil
}

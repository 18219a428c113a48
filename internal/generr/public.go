package generr

import "errors"

// Public is the stable error shape exposed to API clients.
type Public struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
	Provider  string `json:"provider,omitempty"`
}

// ToPublic maps any error to the stable external shape.
func ToPublic(err error) Public {
	if err == nil {
		return Public{}
	}
	kind := KindOf(err)
	p := Public{Code: string(kind), Message: err.Error()}

	var ge *Error
	if errors.As(err, &ge) {
		p.Provider = ge.Provider
		if ge.Message != "" {
			p.Message = ge.Message
		}
	}

	switch kind {
	case KindAuth:
		p.Hint = "Reconfigure the provider credentials and try again."
	case KindRateLimited:
		p.Hint = "The provider is rate limiting requests. Retry later."
		p.Retryable = true
	case KindTimeout:
		p.Hint = "The provider did not finish in time and the task may still complete. Retry later."
		p.Retryable = true
	case KindTransient:
		p.Hint = "The provider is temporarily unavailable. Retry later."
		p.Retryable = true
	case KindUnexpectedEnvelope, KindUnknownState:
		p.Hint = "The provider returned a response that could not be understood. Retry later."
		p.Retryable = true
	case KindInvalidRequest:
		p.Hint = "Adjust the request parameters."
	case KindInternal:
		p.Message = "internal error"
	}

	if ge != nil && ge.Hint != "" {
		p.Hint = ge.Hint
	}
	return p
}

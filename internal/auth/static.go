package auth

import (
	"context"
	"net/http"
)

// StaticKeySigner sends a fixed API key in a request header.
type StaticKeySigner struct {
	creds  *CredentialCache
	name   string
	header string
	prefix string
}

// StaticOption configures a StaticKeySigner.
type StaticOption func(*StaticKeySigner)

// WithHeader sets the header name and value prefix, e.g. ("Authorization", "Bearer ").
func WithHeader(header, prefix string) StaticOption {
	return func(s *StaticKeySigner) {
		s.header = header
		s.prefix = prefix
	}
}

// NewStaticKeySigner creates a signer that sends the credential called name
// in the x-api-key header unless WithHeader says otherwise.
func NewStaticKeySigner(creds *CredentialCache, name string, opts ...StaticOption) *StaticKeySigner {
	s := &StaticKeySigner{
		creds:  creds,
		name:   name,
		header: "x-api-key",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign sets the key header.
func (s *StaticKeySigner) Sign(ctx context.Context, h http.Header) error {
	key, err := s.creds.Get(ctx, s.name)
	if err != nil {
		return err
	}
	h.Set(s.header, s.prefix+key)
	return nil
}

package llm

import "fmt"

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// ErrMissingCredential is returned before any network call when the
// provider has no API key configured.
type ErrMissingCredential struct {
	Provider string
	EnvVar   string
}

func (e ErrMissingCredential) Error() string {
	return fmt.Sprintf("%s not configured for %s provider", e.EnvVar, e.Provider)
}

// UpstreamError reports a non-success response from the provider API.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Provider, e.Status, e.Body)
}

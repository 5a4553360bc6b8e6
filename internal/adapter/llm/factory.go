package llm

import "time"

// ModeMock selects the mock client; any other mode uses the HTTP client.
const ModeMock = "mock"

// NewClient builds a Client from config. Mock mode keeps local development
// and CI off the paid upstream.
func NewClient(mode, baseURL, apiKey string, timeout time.Duration) Client {
	if mode == ModeMock {
		return NewMockClient()
	}
	return NewHTTPClient(baseURL, apiKey, timeout)
}

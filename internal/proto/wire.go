// Package proto defines wire format DTOs for the skippy blob server.
package proto

// Header names used by the blob API.
const (
	// HeaderIfAbsent on a PUT turns it into a put-if-absent.
	HeaderIfAbsent = "X-Skippy-If-Absent"
	// ContentTypeZstd marks a zstd-compressed body.
	ContentTypeZstd = "application/zstd"
)

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	// Backend names the storage backend behind the server.
	Backend string `json:"backend,omitempty"`
}

// KeysResponse lists the keys under a prefix.
type KeysResponse struct {
	Prefix string   `json:"prefix"`
	Keys   []string `json:"keys"`
}

// AppendRequest appends one line to a log artifact.
type AppendRequest struct {
	Line string `json:"line"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

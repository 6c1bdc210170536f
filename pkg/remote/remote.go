package remote

import "fmt"

// ProtocolVersion is sent as X-Karapace-Protocol on every HTTP request.
// Servers may reject clients with incompatible protocol versions.
const ProtocolVersion = 1

// BlobKind classifies content-addressed blobs in the remote store
type BlobKind string

const (
	BlobObject   BlobKind = "objects"
	BlobLayer    BlobKind = "layers"
	BlobMetadata BlobKind = "metadata"
)

// Backend is the remote storage contract: a content-addressed blob surface
// plus a registry index
type Backend interface {
	// PutBlob uploads a blob under the given key.
	PutBlob(kind BlobKind, key string, data []byte) error

	// GetBlob downloads a blob.
	GetBlob(kind BlobKind, key string) ([]byte, error)

	// HasBlob checks existence without transferring content.
	HasBlob(kind BlobKind, key string) (bool, error)

	// ListBlobs lists all keys of a kind.
	ListBlobs(kind BlobKind) ([]string, error)

	// PutRegistry uploads the registry index.
	PutRegistry(data []byte) error

	// GetRegistry downloads the registry index.
	GetRegistry() ([]byte, error)
}

// IntegrityError is returned when a downloaded blob does not hash to its key.
// The blob is discarded; nothing partial reaches the local store.
type IntegrityError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure for '%s': expected %s, got %s", e.Key, e.Expected, e.Actual)
}

// HTTPStatusError carries a non-success response code
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Code, e.URL)
}

// NotFoundError is returned for 404 responses and missing registry keys
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// TransportError wraps connection-level failures
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LooksLikeEnvID reports whether a reference is a full 64-hex environment
// identifier rather than a name@tag registry reference
func LooksLikeEnvID(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	for _, c := range ref {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHex {
			return false
		}
	}
	return true
}

package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marcoallegretti/karapace/pkg/log"
)

// HTTPBackend talks to a remote store over the v1 content-addressed HTTP
// protocol:
//
//	PUT/GET/HEAD {base}/blobs/{kind}/{key}
//	GET          {base}/blobs/{kind}        JSON array of keys
//	GET/PUT      {base}/registry
//
// Every request carries X-Karapace-Protocol. An auth token, when configured,
// is sent as a bearer credential; transport authentication beyond that is
// out of scope.
type HTTPBackend struct {
	config *Config
	client *http.Client
}

// NewHTTPBackend creates an HTTP backend for the given remote config
func NewHTTPBackend(config *Config) *HTTPBackend {
	return &HTTPBackend{
		config: config,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (b *HTTPBackend) blobURL(kind BlobKind, key string) string {
	return fmt.Sprintf("%s/blobs/%s/%s", b.config.URL, kind, key)
}

func (b *HTTPBackend) newRequest(method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("X-Karapace-Protocol", strconv.Itoa(ProtocolVersion))
	if b.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.AuthToken)
	}
	return req, nil
}

func (b *HTTPBackend) do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// PutBlob uploads a blob
func (b *HTTPBackend) PutBlob(kind BlobKind, key string, data []byte) error {
	url := b.blobURL(kind, key)
	log.WithComponent("remote").Debug().Str("url", url).Int("bytes", len(data)).Msg("PUT")

	req, err := b.newRequest(http.MethodPut, url, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &HTTPStatusError{Code: resp.StatusCode, URL: url}
	}
	return nil
}

// GetBlob downloads a blob
func (b *HTTPBackend) GetBlob(kind BlobKind, key string) ([]byte, error) {
	url := b.blobURL(kind, key)
	log.WithComponent("remote").Debug().Str("url", url).Msg("GET")
	return b.get(url)
}

// HasBlob probes blob existence with a HEAD request
func (b *HTTPBackend) HasBlob(kind BlobKind, key string) (bool, error) {
	url := b.blobURL(kind, key)
	log.WithComponent("remote").Debug().Str("url", url).Msg("HEAD")

	req, err := b.newRequest(http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := b.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &HTTPStatusError{Code: resp.StatusCode, URL: url}
	}
}

// ListBlobs lists all keys of a kind
func (b *HTTPBackend) ListBlobs(kind BlobKind) ([]string, error) {
	url := fmt.Sprintf("%s/blobs/%s", b.config.URL, kind)
	body, err := b.get(url)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("invalid blob listing: %w", err)
	}
	return keys, nil
}

// PutRegistry uploads the registry index
func (b *HTTPBackend) PutRegistry(data []byte) error {
	url := b.config.URL + "/registry"
	req, err := b.newRequest(http.MethodPut, url, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &HTTPStatusError{Code: resp.StatusCode, URL: url}
	}
	return nil
}

// GetRegistry downloads the registry index
func (b *HTTPBackend) GetRegistry() ([]byte, error) {
	return b.get(b.config.URL + "/registry")
}

func (b *HTTPBackend) get(url string) ([]byte, error) {
	req, err := b.newRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Key: url}
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPStatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return body, nil
}

// Package fetch downloads remote module sources. There is no retry policy: a
// non-2xx status or transport failure surfaces immediately as a FetchError
// for that module only.
package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	veloerrors "github.com/veloframe/velo/internal/errors"
	"github.com/veloframe/velo/internal/logging"
)

// Fetcher downloads remote module sources over HTTP(S).
type Fetcher struct {
	client *http.Client
	log    logging.Logger
}

// New creates a fetcher. client may be nil, in which case a default client is
// used.
func New(client *http.Client, log logging.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Fetcher{client: client, log: log.WithComponent("fetch")}
}

// Fetch downloads url and returns the raw body bytes.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &veloerrors.FetchError{URL: url, Err: err}
	}

	f.log.Debug(ctx, "downloading remote module", "url", url)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &veloerrors.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &veloerrors.FetchError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &veloerrors.FetchError{URL: url, Err: err}
	}
	return body, nil
}

package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lox/stationgrid/internal/httputil"
	"github.com/lox/stationgrid/internal/metrics"
)

// HTTPSource fetches a log over HTTP(S). Rate limiting and server errors
// are retried; any other non-200 status is permanent.
type HTTPSource struct {
	URL    string
	Client *http.Client

	retry func() backoff.BackOff
}

func (s HTTPSource) Name() string {
	u, err := url.Parse(s.URL)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return s.URL
	}
	return path.Base(u.Path)
}

func (s HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	start := time.Now()
	var body []byte
	operation := func() error {
		b, err := httputil.Fetch(ctx, s.Client, s.URL)
		var se *httputil.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	var bo backoff.BackOff
	if s.retry != nil {
		bo = s.retry()
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = 2 * time.Minute
		bo = exp
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	metrics.SourceFetchLatency.WithLabelValues("http").Observe(time.Since(start).Seconds())
	return io.NopCloser(bytes.NewReader(body)), nil
}

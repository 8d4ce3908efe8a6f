// Package cover downloads album pictures referenced by track metadata.
package cover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3

	// covers are a few hundred KB; anything past this is not a picture
	maxCoverSize = 16 << 20
)

var (
	ErrNoURL     = errors.New("no cover url")
	ErrBadStatus = errors.New("unexpected status")
	ErrEmpty     = errors.New("empty cover")
)

type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	retries uint64

	// initialInterval is the first retry delay
	initialInterval time.Duration
	log             *logrus.Entry
}

func NewFetcher(timeout time.Duration, retries uint64, log *logrus.Entry) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fetcher{
		client:          &http.Client{},
		timeout:         timeout,
		retries:         retries,
		initialInterval: 200 * time.Millisecond,
		log:             log,
	}
}

func (f *Fetcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx)
}

// Fetch downloads url, retrying transport errors and 5xx responses.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, ErrNoURL
	}

	var data []byte
	op := func() error {
		var err error
		data, err = f.fetchOnce(ctx, url)
		return err
	}
	notify := func(err error, next time.Duration) {
		f.log.WithError(err).Debugf("cover download failed, retrying in %s", next)
	}
	if err := backoff.RetryNotify(op, f.newBackOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("fetch cover %s: %w", url, err)
	}
	return data, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverSize))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, backoff.Permanent(ErrEmpty)
	}
	return data, nil
}

// Package callback posts job completion documents to user-supplied URLs.
package callback

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

var dlog = logrus.WithField("component", "callback.Dispatcher")

// httpPoster abstracts the POST operation of http.Client to allow dependency
// injection in tests.
type httpPoster interface {
	Post(url, contentType string, body *bytes.Reader) (*http.Response, error)
}

type clientPoster struct {
	client *http.Client
}

func (c clientPoster) Post(url, contentType string, body *bytes.Reader) (*http.Response, error) {
	return c.client.Post(url, contentType, body)
}

// Dispatcher issues a single best-effort HTTP POST per completed job.
// Failures are logged and never retried, and dispatch runs detached from the
// reconciliation path so a slow receiver cannot block state progression.
type Dispatcher struct {
	poster    httpPoster
	onFailure func()
}

// New returns a Dispatcher whose requests time out after the given duration.
// onFailure, if non-nil, is invoked once per undeliverable callback.
func New(timeout time.Duration, onFailure func()) *Dispatcher {
	return &Dispatcher{
		poster:    clientPoster{client: &http.Client{Timeout: timeout}},
		onFailure: onFailure,
	}
}

// Dispatch serializes doc and posts it to url from a new goroutine.
func (d *Dispatcher) Dispatch(jobID int, url string, doc interface{}) {
	body, err := json.Marshal(doc)
	if err != nil {
		dlog.WithField("job", jobID).WithError(err).Warn("can't serialize callback document")
		return
	}
	go func() {
		resp, err := d.poster.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			dlog.WithField("job", jobID).WithError(err).
				Warn("callback failed, it will not be retried")
			if d.onFailure != nil {
				d.onFailure()
			}
			return
		}
		resp.Body.Close()
		dlog.WithField("job", jobID).WithField("status", resp.StatusCode).Debug("callback delivered")
	}()
}

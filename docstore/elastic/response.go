package elastic

import (
	"io"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// responseRaw normalizes esapi responses so callers can branch on status
// without re-reading a consumed body.
type responseRaw struct {
	statusCode int
	isError    bool
	detail     string
	body       io.ReadCloser
}

func doRaw(res *esapi.Response, err error) (*responseRaw, error) {
	if err != nil {
		return nil, err
	}
	out := &responseRaw{statusCode: res.StatusCode, body: res.Body}
	if res.IsError() {
		out.isError = true
		// String() drains the body; error responses are never decoded again.
		out.detail = res.String()
	}
	return out, nil
}

func (r *responseRaw) close() {
	if r.body != nil {
		r.body.Close()
	}
}

package pipeline

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dotcommander/yagent/internal/errs"
)

// NewHTTPClient returns the client used for model requests.
//
// connectTimeout bounds dialing, requestTimeout bounds a whole attempt. A
// non-empty proxy routes every request through it.
func NewHTTPClient(proxy string, connectTimeout, requestTimeout time.Duration) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errs.Error{Err: fmt.Errorf("default transport is not *http.Transport"), Reason: "Could not configure the HTTP client."}
	}
	tr := base.Clone()
	tr.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, errs.Error{Err: err, Reason: "There was an error parsing your proxy URL."}
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: tr, Timeout: requestTimeout}, nil
}

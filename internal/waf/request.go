package waf

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"security-engine/internal/util"
)

var ErrBodyTooLarge = errors.New("request body too large")

// Request is the inspectable view of an inbound HTTP request.
type Request struct {
	Method     string
	URI        string
	Headers    http.Header
	Args       url.Values
	Body       string
	Cookies    map[string]string
	RemoteAddr string
}

// RequestFromHTTP snapshots r for inspection. Up to maxBody bytes of the
// body are read and r.Body is replaced so the next handler still sees the
// full body.
func RequestFromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	req := &Request{
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		Headers:    r.Header,
		Args:       url.Values{},
		Cookies:    make(map[string]string),
		RemoteAddr: remoteIP(r.RemoteAddr),
	}
	for k, vs := range r.URL.Query() {
		req.Args[k] = append(req.Args[k], vs...)
	}
	for _, c := range r.Cookies() {
		req.Cookies[c.Name] = c.Value
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > maxBody {
			return nil, ErrBodyTooLarge
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		req.Body = string(body)

		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			if form, err := url.ParseQuery(req.Body); err == nil {
				for k, vs := range form {
					req.Args[k] = append(req.Args[k], vs...)
				}
			}
		}
	}
	return req, nil
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// values returns the normalized strings a target exposes, in a stable order.
func (r *Request) values(t Target) []string {
	var out []string
	switch t {
	case TargetMethod:
		out = []string{r.Method}
	case TargetURI:
		out = []string{r.URI}
	case TargetHeaders:
		for _, name := range sortedKeys(r.Headers) {
			if strings.EqualFold(name, "Cookie") {
				continue
			}
			for _, v := range r.Headers[name] {
				out = append(out, strings.ToLower(name)+": "+v)
			}
		}
	case TargetArgs:
		for _, name := range sortedKeys(r.Args) {
			out = append(out, name)
			out = append(out, r.Args[name]...)
		}
	case TargetBody:
		if r.Body != "" {
			out = []string{r.Body}
		}
	case TargetCookies:
		names := make([]string, 0, len(r.Cookies))
		for name := range r.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, r.Cookies[name])
		}
	}
	for i, v := range out {
		out[i] = util.NormalizeForInspection(v)
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

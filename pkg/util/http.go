package util

import "net/http"

type headerTransport struct {
	t     http.RoundTripper
	name  string
	value string
}

// AddHeaderTransport wraps t so that every request carries the given header.
// The federation master and some sectoral IDPs require an API key header.
func AddHeaderTransport(t http.RoundTripper, name, value string) http.RoundTripper {
	return &headerTransport{t: t, name: name, value: value}
}

func (ht *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Add(ht.name, ht.value)
	if ht.t == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return ht.t.RoundTrip(req)
}

package model

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

const defaultRequestTimeout = 5 * time.Minute

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultRequestTimeout}
}

// postJSON issues the request and maps transport failures to a network
// error. Non-2xx responses are returned to the caller for classification.
func postJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewNetworkError(provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, NewNetworkError(provider, err)
	}
	return resp, nil
}

// drainBody reads a bounded error body so classification never buffers an
// unbounded response.
func drainBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body
}

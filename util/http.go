package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// The maximum size of an HTTP response body to read.
	maxHTTPBodySize = 100 * 1024 * 1024
)

// Performs an HTTP POST with a JSON payload and returns the response body,
// limited to the specified maximum size. If the maximum size is 0 or greater
// than maxHTTPBodySize, maxHTTPBodySize is used instead.
func HTTPPostJSON(url string, payload interface{}, maxSize int64) ([]byte, error) {
	if maxSize == 0 || maxSize > maxHTTPBodySize {
		maxSize = maxHTTPBodySize
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	reader := io.LimitReader(resp.Body, maxSize+1)
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(out) > int(maxSize) {
		return nil, fmt.Errorf("response body exceeded maximum size of %d bytes", maxSize)
	}
	return out, nil
}

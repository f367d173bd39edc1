package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// statusError carries a non-2xx response from a collaborator.
type statusError struct {
	Status     string
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return "upstream returned " + e.Status
	}
	return fmt.Sprintf("upstream returned %s: %s", e.Status, e.Body)
}

func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// retryable reports whether err is a network failure, timeout or 5xx/429 response.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	code := statusCode(err)
	return code >= 500 || code == http.StatusTooManyRequests
}

func resolvePath(baseURL, p string) string {
	if baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Status: resp.Status, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

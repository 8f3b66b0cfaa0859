package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is a decoded action API response.
type Response struct {
	StatusCode int
	Body       []byte
	Cookies    []*http.Cookie

	data map[string]any
}

// Decode unmarshals the raw body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode API response: %w", err)
	}
	return nil
}

// Data returns the response as a generic JSON object.
func (r *Response) Data() map[string]any {
	return r.data
}

// Has reports whether the top-level key is present, e.g. "edit" or "upload".
func (r *Response) Has(key string) bool {
	_, ok := r.data[key]
	return ok
}

func (r *Response) apiError() *APIError {
	errObj, ok := r.data["error"].(map[string]any)
	if !ok {
		return nil
	}
	code, _ := errObj["code"].(string)
	info, _ := errObj["info"].(string)
	return &APIError{Code: code, Info: info}
}

// APIError is an error object returned by the remote wiki.
type APIError struct {
	Code string
	Info string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error [%s]: %s", e.Code, e.Info)
}

// StatusError is a non-200 HTTP answer from the wiki.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Package intake validates publish requests, resolves their tenant and site
// and creates or reuses the submission/job pair that tracks them.
package intake

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Execution modes accepted by the webhook.
const (
	ModeSync   = "sync"
	ModeAsync  = "async"
	ModeShadow = "shadow"
)

// Request is a publish request as received from the webhook, JSON or form encoded.
type Request struct {
	RequestKind       string `json:"request_kind"`
	SourceType        string `json:"source_type"`
	DocURL            string `json:"doc_url"`
	DocxFile          string `json:"docx_file"`
	TargetSite        string `json:"target_site"`
	ClientID          string `json:"client_id"`
	ClientName        string `json:"client_name"`
	IdempotencyKey    string `json:"idempotency_key"`
	ExecutionMode     string `json:"execution_mode"`
	BacklinkPlacement string `json:"backlink_placement"`
	PostStatus        string `json:"post_status"`
	Author            *int64 `json:"author"`
	Anchor            string `json:"anchor"`
	Topic             string `json:"topic"`
	TargetURL         string `json:"target_url"`
	Creator           bool   `json:"creator"`
}

// Error is a validation failure reported to the caller with an HTTP status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// DecodeJSON parses a JSON object body.
func DecodeJSON(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, errorf(http.StatusUnprocessableEntity, "request body must be a JSON object: %v", err)
	}
	return req, nil
}

// DecodeForm maps url-encoded or multipart form values onto a Request.
func DecodeForm(values url.Values) (Request, error) {
	req := Request{
		RequestKind:       values.Get("request_kind"),
		SourceType:        values.Get("source_type"),
		DocURL:            values.Get("doc_url"),
		DocxFile:          values.Get("docx_file"),
		TargetSite:        values.Get("target_site"),
		ClientID:          values.Get("client_id"),
		ClientName:        values.Get("client_name"),
		IdempotencyKey:    values.Get("idempotency_key"),
		ExecutionMode:     values.Get("execution_mode"),
		BacklinkPlacement: values.Get("backlink_placement"),
		PostStatus:        values.Get("post_status"),
		Anchor:            values.Get("anchor"),
		Topic:             values.Get("topic"),
		TargetURL:         values.Get("target_url"),
	}
	if raw := strings.TrimSpace(values.Get("author")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Request{}, errorf(http.StatusUnprocessableEntity, "author must be an integer")
		}
		req.Author = &n
	}
	switch strings.ToLower(strings.TrimSpace(values.Get("creator"))) {
	case "1", "true", "yes", "on":
		req.Creator = true
	}
	return req, nil
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)

// documentURL extracts the link from a docx_file value, which form builders
// sometimes send as an HTML anchor.
func documentURL(raw string) string {
	raw = html.UnescapeString(strings.TrimSpace(raw))
	if m := hrefPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

func normalizeHTTPURL(raw, field string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errorf(http.StatusUnprocessableEntity, "%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errorf(http.StatusUnprocessableEntity, "%s must be an http(s) URL", field)
	}
	return u.String(), nil
}

// hostVariants returns the host with and without a leading "www.".
func hostVariants(host string) []string {
	if host == "" {
		return nil
	}
	if trimmed, ok := strings.CutPrefix(host, "www."); ok {
		return []string{host, trimmed}
	}
	return []string{host, "www." + host}
}

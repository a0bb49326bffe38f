// Package registry talks to the bronhouderportaal delivery API and the public
// BRO and PDOK read APIs.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lox/broconnector/internal/httputil"
	"github.com/lox/broconnector/internal/metrics"
)

// Validation statuses returned by the portal.
const (
	StatusValid   = "VALIDE"
	StatusInvalid = "NIET_VALIDE"
)

// Delivery statuses.
const (
	DeliveryForwarded = "DOORGELEVERD"
	DocumentAccepted  = "OPGENOMEN_LVBRO"
)

// Credentials authenticate against the portal for one organisation.
type Credentials struct {
	User  string
	Token string
}

// File is one source document in an upload.
type File struct {
	Name string
	Data []byte
}

type ValidationResult struct {
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

// Valid reports whether the portal accepted the document schema.
func (v *ValidationResult) Valid() bool { return v.Status == StatusValid }

type UploadResult struct {
	Identifier  string `json:"identifier"`
	Status      string `json:"status"`
	LastChanged string `json:"lastChanged"`
}

type Brondocument struct {
	BroID  string `json:"broId"`
	Status string `json:"status"`
}

type StatusResult struct {
	Status        string         `json:"status"`
	LastChanged   string         `json:"lastChanged"`
	Brondocuments []Brondocument `json:"brondocuments"`
}

// AcceptedDocument reports whether the delivery finished and its first
// source document was taken into the registry, returning the assigned BRO id.
func (s *StatusResult) AcceptedDocument() (string, bool) {
	if s.Status != DeliveryForwarded || len(s.Brondocuments) == 0 {
		return "", false
	}
	doc := s.Brondocuments[0]
	if !IsAcceptedToken(doc.Status) {
		return "", false
	}
	return doc.BroID, true
}

// IsAcceptedToken matches OPGENOMEN_LVBRO, tolerating stray whitespace the
// portal has been seen to emit.
func IsAcceptedToken(s string) bool {
	return strings.Join(strings.Fields(s), "") == DocumentAccepted
}

// TransportError is a network failure, timeout, 5xx response or open breaker.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a rejected credential or a project the credential cannot see.
type AuthError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registry %s: unauthorized (status %d): %s", e.Op, e.StatusCode, e.Body)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Portal is the delivery protocol. Client and Breaker implement it.
type Portal interface {
	Validate(ctx context.Context, doc []byte, projectID string, creds Credentials) (*ValidationResult, error)
	Upload(ctx context.Context, files []File, projectID string, creds Credentials) (*UploadResult, error)
	CheckStatus(ctx context.Context, deliveryID, projectID string, creds Credentials) (*StatusResult, error)
}

type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewClient returns a portal client for baseURL, e.g.
// https://demo.bronhouderportaal-bro.nl/api.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewClient(timeout),
		timeout: timeout,
	}
}

func (c *Client) endpoint(projectID string, parts ...string) string {
	u := c.baseURL + "/v2"
	if projectID != "" {
		u += "/" + url.PathEscape(projectID)
	}
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, op, method, target, contentType string, body []byte, creds Credentials) (*response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("registry %s: create request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(creds.User, creds.Token)

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.RegistryRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RegistryRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RegistryRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	metrics.RegistryRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(snippet(data))}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, &AuthError{Op: op, StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}

// Validate checks doc against the portal schemas without delivering it.
// Client errors other than authentication come back as a result whose
// Status is the numeric code.
func (c *Client) Validate(ctx context.Context, doc []byte, projectID string, creds Credentials) (*ValidationResult, error) {
	resp, err := c.do(ctx, "validate", http.MethodPost, c.endpoint(projectID, "validatie"), "application/xml", doc, creds)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return &ValidationResult{Status: strconv.Itoa(resp.status), Errors: []string{snippet(resp.body)}}, nil
	}

	var result ValidationResult
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("registry validate: decode response: %w", err)
	}
	return &result, nil
}

// Upload creates an upload, attaches every file to it and turns it into a
// delivery.
func (c *Client) Upload(ctx context.Context, files []File, projectID string, creds Credentials) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, errors.New("registry upload: no files")
	}

	resp, err := c.do(ctx, "upload", http.MethodPost, c.endpoint(projectID, "uploads"), "", nil, creds)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, fmt.Errorf("registry upload: create upload: status %d: %s", resp.status, snippet(resp.body))
	}
	uploadID := path.Base(resp.header.Get("Location"))
	if uploadID == "" || uploadID == "." || uploadID == "/" {
		return nil, errors.New("registry upload: response has no upload location")
	}

	for _, f := range files {
		target := c.endpoint(projectID, "uploads", uploadID, "brondocumenten") + "?filename=" + url.QueryEscape(f.Name)
		resp, err := c.do(ctx, "upload_document", http.MethodPost, target, "application/xml", f.Data, creds)
		if err != nil {
			return nil, err
		}
		if resp.status >= 400 {
			return nil, fmt.Errorf("registry upload: add %s: status %d: %s", f.Name, resp.status, snippet(resp.body))
		}
	}

	payload, err := json.Marshal(map[string]string{"upload": uploadID})
	if err != nil {
		return nil, fmt.Errorf("registry upload: %w", err)
	}
	resp, err = c.do(ctx, "deliver", http.MethodPost, c.endpoint(projectID, "leveringen"), "application/json", payload, creds)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, fmt.Errorf("registry upload: deliver: status %d: %s", resp.status, snippet(resp.body))
	}

	var result UploadResult
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("registry upload: decode response: %w", err)
	}
	if result.Identifier == "" {
		return nil, errors.New("registry upload: delivery has no identifier")
	}
	return &result, nil
}

// CheckStatus fetches the current state of a delivery.
func (c *Client) CheckStatus(ctx context.Context, deliveryID, projectID string, creds Credentials) (*StatusResult, error) {
	resp, err := c.do(ctx, "check_status", http.MethodGet, c.endpoint(projectID, "leveringen", url.PathEscape(deliveryID)), "", nil, creds)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, fmt.Errorf("registry check_status: status %d: %s", resp.status, snippet(resp.body))
	}

	var result StatusResult
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("registry check_status: decode response: %w", err)
	}
	return &result, nil
}

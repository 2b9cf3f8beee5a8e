// Package draftapi is the HTTP client for the draft backend.
package draftapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
)

const maxErrorBody = 64 << 10

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	MFAToken   string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the draft backend.
type Client struct {
	base     string
	token    string
	mfaToken string
	http     *http.Client
	logger   zerolog.Logger
}

// New returns a client. Without an explicit HTTP client the default
// transport is wrapped with OpenTelemetry instrumentation.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		mfaToken: opts.MFAToken,
		http:     hc,
		logger:   opts.Logger,
	}
}

// CreateDraft opens a new draft.
func (c *Client) CreateDraft(ctx context.Context) (Draft, error) {
	var d Draft
	err := c.doJSON(ctx, "create draft", http.MethodPost, "/drafts", map[string]any{"caseInfos": []any{}}, &d)
	return d, err
}

// GetDraft fetches a draft. ErrDraftNotFound when it is gone.
func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var d Draft
	err := c.doJSON(ctx, "get draft", http.MethodGet, "/drafts/"+url.PathEscape(id), nil, &d)
	return d, err
}

// DeleteDraft discards a draft.
func (c *Client) DeleteDraft(ctx context.Context, id string) error {
	return c.doJSON(ctx, "delete draft", http.MethodDelete, "/drafts/"+url.PathEscape(id), nil, nil)
}

// RegisterFile registers one uploaded file.
func (c *Client) RegisterFile(ctx context.Context, draftID string, reg Registration) (draft.CaseInfo, error) {
	var ci draft.CaseInfo
	err := c.doJSON(ctx, "register file", http.MethodPost, "/drafts/"+url.PathEscape(draftID)+"/files", reg, &ci)
	return ci, err
}

// RegisterFiles registers many files in one call. The answer lists one case
// per registration, in order.
func (c *Client) RegisterFiles(ctx context.Context, draftID string, regs []Registration) ([]draft.CaseInfo, error) {
	var out []draft.CaseInfo
	err := c.doJSON(ctx, "register files", http.MethodPost, "/drafts/"+url.PathEscape(draftID)+"/files/bulk", BulkRegistration{Files: regs}, &out)
	if err != nil {
		return nil, err
	}
	if len(out) != len(regs) {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "register files", Status: http.StatusOK,
			Message: fmt.Sprintf("expected %d cases, got %d", len(regs), len(out))}
	}
	return out, nil
}

// UpdateCase writes the editable fields of one case.
func (c *Client) UpdateCase(ctx context.Context, draftID, caseID string, fields draft.CaseInfo) (draft.CaseInfo, error) {
	var ci draft.CaseInfo
	path := "/drafts/" + url.PathEscape(draftID) + "/files/" + url.PathEscape(caseID)
	err := c.doJSON(ctx, "update case", http.MethodPatch, path, fields.Fields(), &ci)
	return ci, err
}

// RemoveCase removes one case from a draft.
func (c *Client) RemoveCase(ctx context.Context, draftID, caseID string) error {
	path := "/drafts/" + url.PathEscape(draftID) + "/files/" + url.PathEscape(caseID)
	return c.doJSON(ctx, "remove case", http.MethodDelete, path, nil, nil)
}

// UploadTemp sends file bytes to the backend's temporary storage.
func (c *Client) UploadTemp(ctx context.Context, name, contentType string, data []byte) (string, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", "", err
	}
	if err := mw.Close(); err != nil {
		return "", "", err
	}

	var tf TempFile
	if err := c.do(ctx, "upload temp file", http.MethodPost, "/files/temp", mw.FormDataContentType(), &body, &tf); err != nil {
		return "", "", err
	}
	return tf.ID, tf.Key, nil
}

// DownloadURL returns a signed URL for a backend-held file.
func (c *Client) DownloadURL(ctx context.Context, fileID string) (SignedURL, error) {
	var s SignedURL
	err := c.doJSON(ctx, "download url", http.MethodGet, "/files/"+url.PathEscape(fileID)+"/download-url", nil, &s)
	return s, err
}

// DownloadURLByKey returns a signed URL for an object storage key.
func (c *Client) DownloadURLByKey(ctx context.Context, key string) (SignedURL, error) {
	var s SignedURL
	err := c.doJSON(ctx, "download url", http.MethodGet, "/files/s3/"+url.PathEscape(key)+"/download-url", nil, &s)
	return s, err
}

// Fetch downloads a signed URL. No credentials are attached.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{Sentinel: sentinelFor(resp.StatusCode), Operation: "fetch", Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// HasDuplicate looks for an existing request using the same file name.
func (c *Client) HasDuplicate(ctx context.Context, fileName string) (DuplicateCheck, error) {
	var dc DuplicateCheck
	q := url.Values{"fileName": {fileName}}
	err := c.doJSON(ctx, "has duplicate", http.MethodGet, "/requests/my/has-duplicate?"+q.Encode(), nil, &dc)
	return dc, err
}

// Finalize converts a draft into requests. An unresolved duplicate comes
// back as *DuplicateConflictError.
func (c *Client) Finalize(ctx context.Context, in FinalizeInput) ([]Request, error) {
	var out []Request
	if err := c.doJSON(ctx, "finalize", http.MethodPost, "/requests/from-draft", in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseFilenames asks the inference service about file names.
func (c *Client) ParseFilenames(ctx context.Context, names []string) (ParseResult, error) {
	payload, err := json.Marshal(map[string]any{"filenames": names})
	if err != nil {
		return ParseResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/ai/parse-filenames", "application/json", bytes.NewReader(payload))
	if err != nil {
		return ParseResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse filenames: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*16))
	if err != nil {
		return ParseResult{}, err
	}
	if resp.StatusCode >= 300 {
		return ParseResult{}, c.apiError("parse filenames", resp, raw)
	}
	var out ParseResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return ParseResult{}, &APIError{Sentinel: ErrBadResponse, Operation: "parse filenames", Status: resp.StatusCode, Message: err.Error()}
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	ct := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
		ct = "application/json"
	}
	return c.do(ctx, op, method, path, ct, body, out)
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.mfaToken != "" {
		req.Header.Set("X-MFA-Token", c.mfaToken)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return c.apiError(op, resp, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	data, err := unwrapEnvelope(raw)
	if err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Message: err.Error()}
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

// unwrapEnvelope returns the data member of an envelope, or the body itself
// when it is a bare payload.
func unwrapEnvelope(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	if _, ok := envelope["success"]; !ok {
		return trimmed, nil
	}
	return envelope["data"], nil
}

func (c *Client) apiError(op string, resp *http.Response, raw []byte) error {
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	var env Envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusConflict && env.Code == "DUPLICATE_REQUEST" {
		var payload struct {
			Mode       string      `json:"mode"`
			Duplicates []Duplicate `json:"duplicates"`
		}
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			return &DuplicateConflictError{Mode: payload.Mode, Duplicates: payload.Duplicates, Message: env.Message}
		}
	}

	apiErr := &APIError{
		Sentinel:  sentinelFor(resp.StatusCode),
		Operation: op,
		Status:    resp.StatusCode,
		Code:      env.Code,
		Message:   env.Message,
		Missing:   env.MissingFiles,
	}
	if apiErr.Message == "" && env.Code == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Str("code", env.Code).Msg("draft api error")
	return apiErr
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// RetryAfter extracts the server's retry hint from err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

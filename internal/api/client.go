package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"casvault/internal/models"
)

const (
	defaultHTTPTimeout = 10 * time.Minute
	httpTimeoutEnvKey  = "CASVAULT_HTTP_TIMEOUT"
	apiTokenEnvKey     = "CASVAULT_API_TOKEN"
	adminTokenEnvKey   = "CASVAULT_ADMIN_TOKEN"
)

// Client is a simple HTTP client for the casvault API.
type Client struct {
	baseURL    string
	http       *http.Client
	authToken  string
	adminToken string
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: httpTimeoutFromEnv()},
		authToken:  strings.TrimSpace(os.Getenv(apiTokenEnvKey)),
		adminToken: strings.TrimSpace(os.Getenv(adminTokenEnvKey)),
	}
}

// Ping checks whether the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) GetInfo(ctx context.Context) (InfoResponse, error) {
	var resp InfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/info", nil, nil, &resp)
	return resp, err
}

// PutBlob uploads content as the raw request body.
func (c *Client) PutBlob(ctx context.Context, content io.Reader, contentType string) (models.StoreResult, error) {
	var resp models.StoreResult
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/blobs", content)
	if err != nil {
		return resp, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	c.setAuthHeader(req)
	err = c.send(req, &resp)
	return resp, err
}

// GetBlob streams blob content into w. A negative end reads to the end of
// the blob; start=0,end<0 requests the whole blob.
func (c *Client) GetBlob(ctx context.Context, hash string, start, end int64, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/blobs/"+url.PathEscape(hash), nil)
	if err != nil {
		return 0, err
	}
	if start > 0 || end >= 0 {
		spec := fmt.Sprintf("bytes=%d-", start)
		if end >= 0 {
			if end <= start {
				return 0, nil
			}
			spec += strconv.FormatInt(end-1, 10)
		}
		req.Header.Set("Range", spec)
	}
	c.setAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// start is past the end of the blob.
		return 0, nil
	}
	if resp.StatusCode >= 400 {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) GetBlobMetadata(ctx context.Context, hash string) (models.Blob, error) {
	var resp models.Blob
	err := c.do(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(hash)+"/meta", nil, nil, &resp)
	return resp, err
}

func (c *Client) AddReference(ctx context.Context, hash string) (RefResponse, error) {
	var resp RefResponse
	err := c.do(ctx, http.MethodPost, "/v1/blobs/"+url.PathEscape(hash)+"/refs", nil, nil, &resp)
	return resp, err
}

func (c *Client) RemoveReference(ctx context.Context, hash string) (RefResponse, error) {
	var resp RefResponse
	err := c.do(ctx, http.MethodDelete, "/v1/blobs/"+url.PathEscape(hash)+"/refs", nil, nil, &resp)
	return resp, err
}

func (c *Client) GetStats(ctx context.Context) (models.Stats, error) {
	var resp models.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &resp)
	return resp, err
}

func (c *Client) AdminVerify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var resp VerifyResponse
	err := c.doAdmin(ctx, "/v1/admin/verify", req, &resp, false)
	return resp, err
}

func (c *Client) AdminGC(ctx context.Context) (models.GCResult, error) {
	var resp models.GCResult
	err := c.doAdmin(ctx, "/v1/admin/gc", struct{}{}, &resp, false)
	return resp, err
}

func (c *Client) AdminReconcile(ctx context.Context, req ReconcileRequest) (models.ReconcileResult, error) {
	var resp models.ReconcileResult
	err := c.doAdmin(ctx, "/v1/admin/reconcile", req, &resp, !req.DryRun)
	return resp, err
}

func (c *Client) doAdmin(ctx context.Context, path string, body any, out any, confirm bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)
	c.setAdminHeader(req)
	if confirm {
		req.Header.Set("X-Confirm", "true")
	}
	return c.send(req, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return &APIError{
			Status:    resp.StatusCode,
			Code:      errResp.Code,
			ErrorCode: errResp.ErrorCode,
			Message:   errResp.Error,
		}
	}
	return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("api error: %s", resp.Status)}
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.authToken == "" || req == nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
}

func (c *Client) setAdminHeader(req *http.Request) {
	if c.adminToken == "" || req == nil {
		return
	}
	req.Header.Set("X-Admin-Token", c.adminToken)
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}

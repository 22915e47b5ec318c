package casesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opFetchAll     = "casesync.remote.fetch_all"
	opUpdateStatus = "casesync.remote.update_status"

	defaultRequestTimeout = 30 * time.Second
	userAgent             = "repairdesk-casesync/1.0"
)

var (
	errMissingBaseURL = errors.New("remote base url is required")
	errEmptyToken     = errors.New("token source returned an empty token")
)

// RemoteFetcher reads the authoritative case collection and applies
// single-field status writes.
type RemoteFetcher interface {
	FetchAll(ctx context.Context, identity string) ([]Record, error)
	UpdateStatus(ctx context.Context, id string, status Status, identity string) error
}

// TokenSource resolves a bearer token for identity.
type TokenSource func(ctx context.Context, identity string) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context, string) (string, error) {
		return token, nil
	}
}

// HTTPFetcherConfig configures HTTPFetcher.
type HTTPFetcherConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPFetcher talks to the RepairDesk case API.
type HTTPFetcher struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *zap.Logger
}

type listCasesResponse struct {
	Cases []Record `json:"cases"`
}

type updateStatusRequest struct {
	Status Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewHTTPFetcher validates configuration and returns an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		tokens:  tokens,
		client:  client,
		logger:  logger,
	}, nil
}

// FetchAll implements RemoteFetcher.
func (f *HTTPFetcher) FetchAll(ctx context.Context, identity string) ([]Record, error) {
	response, err := f.do(ctx, opFetchAll, identity, http.MethodGet, "/cases", nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var payload listCasesResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, networkError(opFetchAll, fmt.Errorf("decode response: %w", err))
	}
	if payload.Cases == nil {
		payload.Cases = []Record{}
	}
	return payload.Cases, nil
}

// UpdateStatus implements RemoteFetcher.
func (f *HTTPFetcher) UpdateStatus(ctx context.Context, id string, status Status, identity string) error {
	path := "/cases/" + url.PathEscape(id) + "/status"
	response, err := f.do(ctx, opUpdateStatus, identity, http.MethodPatch, path, updateStatusRequest{Status: status})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return response.Body.Close()
}

func (f *HTTPFetcher) do(ctx context.Context, op, identity, method, path string, body any) (*http.Response, error) {
	token, err := f.tokens(ctx, identity)
	if err != nil {
		return nil, authError(op, err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, authError(op, errEmptyToken)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, networkError(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return nil, networkError(op, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("User-Agent", userAgent)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	f.logger.Debug("remote request", zap.String("method", method), zap.String("path", path))

	response, err := f.client.Do(request)
	if err != nil {
		return nil, networkError(op, err)
	}
	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return response, nil
	}

	defer response.Body.Close()
	cause := statusError(response)
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return nil, authError(op, cause)
	}
	return nil, networkError(op, cause)
}

func statusError(response *http.Response) error {
	var payload errorResponse
	raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		if payload.Code != "" {
			return fmt.Errorf("status %d: %s (%s)", response.StatusCode, payload.Error, payload.Code)
		}
		return fmt.Errorf("status %d: %s", response.StatusCode, payload.Error)
	}
	return fmt.Errorf("status %d", response.StatusCode)
}

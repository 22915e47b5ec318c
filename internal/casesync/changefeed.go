package casesync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventCaseChanged is the change-feed event that triggers a re-fetch.
const EventCaseChanged = "case-change"

const (
	streamPath             = "/cases/stream"
	defaultMaxRetryBackoff = 30 * time.Second
)

var errStreamClosed = errors.New("change stream closed by server")

// ChangeFeedConfig configures ChangeFeed.
type ChangeFeedConfig struct {
	BaseURL    string
	Identity   string
	Tokens     TokenSource
	Notify     func()
	HTTPClient *http.Client
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

// ChangeFeed listens to the server-sent change stream and forwards
// case-change events to Notify, reconnecting with exponential backoff.
// A successful reconnect also calls Notify.
type ChangeFeed struct {
	streamURL  string
	identity   string
	tokens     TokenSource
	notify     func()
	client     *http.Client
	maxBackoff time.Duration
	logger     *zap.Logger
}

// NewChangeFeed validates configuration and returns a ChangeFeed.
func NewChangeFeed(cfg ChangeFeedConfig) (*ChangeFeed, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Notify == nil {
		return nil, errors.New("change feed notify callback is required")
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxRetryBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ChangeFeed{
		streamURL:  baseURL + streamPath,
		identity:   cfg.Identity,
		tokens:     tokens,
		notify:     cfg.Notify,
		client:     client,
		maxBackoff: maxBackoff,
		logger:     logger,
	}, nil
}

// Run listens until ctx is done or the server rejects the identity.
func (f *ChangeFeed) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = f.maxBackoff
	policy.MaxElapsedTime = 0

	// Events published while disconnected are lost, so every reconnect after
	// the first connection counts as a change.
	connectedBefore := false
	connected := func() {
		policy.Reset()
		if connectedBefore {
			f.notify()
		}
		connectedBefore = true
	}

	operation := func() error {
		err := f.listen(ctx, connected)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrAuth) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		f.logger.Info("change stream disconnected, retrying",
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), onRetry)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (f *ChangeFeed) listen(ctx context.Context, connected func()) error {
	token, err := f.tokens(ctx, f.identity)
	if err != nil {
		return authError("casesync.change_feed.connect", err)
	}

	streamURL := f.streamURL + "?access_token=" + url.QueryEscape(token)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("User-Agent", userAgent)

	response, err := f.client.Do(request)
	if err != nil {
		return networkError("casesync.change_feed.connect", err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return authError("casesync.change_feed.connect", fmt.Errorf("status %d", response.StatusCode))
	case response.StatusCode != http.StatusOK:
		return networkError("casesync.change_feed.connect", fmt.Errorf("status %d", response.StatusCode))
	}

	connected()
	f.logger.Info("change stream connected", zap.String("identity", f.identity))

	scanner := bufio.NewScanner(response.Body)
	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType == EventCaseChanged {
				f.notify()
			}
			eventType = ""
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return networkError("casesync.change_feed.read", err)
	}
	return errStreamClosed
}

package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voxscore/pkg/apperr"
	"voxscore/pkg/logger"
	"voxscore/pkg/model"
	"voxscore/pkg/resilience"

	"go.uber.org/zap"
)

// ErrResultsUnavailable means the deployment has no separate results
// endpoint. It is not a failure: callers fall back to the status payload.
var ErrResultsUnavailable = errors.New("results endpoint not available")

// TokenProvider returns the bearer token to send, or "" for none
type TokenProvider func(ctx context.Context) string

// StaticToken always returns token
func StaticToken(token string) TokenProvider {
	return func(context.Context) string { return token }
}

type tokenKey struct{}

// WithToken attaches a per-request bearer token to ctx. It takes precedence
// over the configured TokenProvider.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

type Config struct {
	BaseURL        string
	Token          TokenProvider
	DefaultUserID  string
	MaxUploadBytes int64
	Timeout        time.Duration
	HTTPClient     *http.Client
	// Breaker guards the history endpoint. A nil breaker gets a default one.
	Breaker *resilience.CircuitBreaker
}

// Client talks to the remote analysis backend
type Client struct {
	baseURL       string
	token         TokenProvider
	defaultUserID string
	maxBytes      int64
	client        *http.Client
	breaker       *resilience.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(5, 30*time.Second)
	}
	defaultUser := cfg.DefaultUserID
	if defaultUser == "" {
		defaultUser = "anonymous"
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		defaultUserID: defaultUser,
		maxBytes:      cfg.MaxUploadBytes,
		client:        httpClient,
		breaker:       breaker,
	}
}

func (c *Client) bearer(ctx context.Context) string {
	if t, ok := ctx.Value(tokenKey{}).(string); ok && t != "" {
		return t
	}
	if c.token != nil {
		return c.token(ctx)
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token := c.bearer(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and reads the whole body. Transport failures become
// NetworkError; cancellation is returned as the context error.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, apperr.Wrap(apperr.KindNetwork, err, "analysis service unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindNetwork, err, "failed to read response")
	}
	return resp.StatusCode, body, nil
}

func backendReason(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		if r := e.reason(); r != "" {
			return r
		}
	}
	return ""
}

// Upload submits a payload for analysis and returns the session id.
// It never retries.
func (c *Client) Upload(ctx context.Context, payload *model.AudioPayload, userID, language string) (string, error) {
	if payload == nil || payload.Size() == 0 {
		return "", apperr.Validation(apperr.ReasonEmpty, "audio payload is empty")
	}
	if c.maxBytes > 0 && payload.Size() > c.maxBytes {
		return "", apperr.Validation(apperr.ReasonTooLarge,
			"audio is %d bytes, the limit is %d", payload.Size(), c.maxBytes)
	}
	if userID == "" {
		userID = c.defaultUserID
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", payload.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(payload.Data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.WriteField("user_id", userID); err != nil {
		return "", fmt.Errorf("failed to write user_id: %w", err)
	}
	if language != "" {
		if err := w.WriteField("language", language); err != nil {
			return "", fmt.Errorf("failed to write language: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/audio/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	logger.Debug("Uploading audio",
		zap.String("name", payload.Name),
		zap.Int64("bytes", payload.Size()),
		zap.String("user_id", userID),
		zap.String("language", language))

	status, respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	if status < 200 || status > 299 {
		e := apperr.HTTP(apperr.KindUpload, status, backendReason(respBody))
		logger.Warn("Upload rejected", zap.Int("status", status), zap.String("reason", e.Message))
		return "", e
	}

	var out uploadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", apperr.Wrap(apperr.KindUpload, err, "malformed upload response")
	}
	if out.SessionID == "" {
		msg := "upload response has no session id"
		if out.Error != "" {
			msg = out.Error
		}
		return "", &apperr.Error{Kind: apperr.KindUpload, Message: msg, StatusCode: status}
	}

	logger.Info("Audio uploaded", zap.String("session_id", out.SessionID))
	return out.SessionID, nil
}

// Status fetches the current processing status of a session
func (c *Client) Status(ctx context.Context, sessionID string) (*model.ProcessingStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/audio/status/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}

	code, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case code == http.StatusNotFound:
		return nil, apperr.New(apperr.KindSessionNotFound, fmt.Sprintf("session %s is unknown", sessionID))
	case code < 200 || code > 299:
		return nil, apperr.HTTP(apperr.KindServer, code, backendReason(body))
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, apperr.Wrap(apperr.KindServer, err, "malformed status response")
	}

	st := model.SessionStatus(strings.ToLower(sr.Status))
	if !st.Valid() {
		return nil, apperr.New(apperr.KindServer, fmt.Sprintf("unknown session status %q", sr.Status))
	}

	id := sr.SessionID
	if id == "" {
		id = sessionID
	}
	if sr.Progress != nil {
		p := model.ClampProgress(*sr.Progress)
		sr.Progress = &p
	}
	return &model.ProcessingStatus{
		SessionID:   id,
		Status:      st,
		Progress:    sr.Progress,
		CurrentStep: sr.CurrentStep,
		Error:       sr.Error,
		Raw:         json.RawMessage(body),
	}, nil
}

// Results fetches the raw results document. ErrResultsUnavailable is
// returned when the endpoint is missing or failing.
func (c *Client) Results(ctx context.Context, sessionID string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/audio/results/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}

	code, body, err := c.do(req)
	if err != nil {
		if apperr.Is(err, apperr.KindNetwork) {
			return nil, fmt.Errorf("%w: %v", ErrResultsUnavailable, err)
		}
		return nil, err
	}

	switch {
	case code == http.StatusNotFound, code == http.StatusMethodNotAllowed, code == http.StatusNotImplemented, code >= 500:
		logger.Debug("Results endpoint unavailable", zap.String("session_id", sessionID), zap.Int("status", code))
		return nil, ErrResultsUnavailable
	case code < 200 || code > 299:
		return nil, apperr.HTTP(apperr.KindServer, code, backendReason(body))
	}

	if !json.Valid(body) {
		return nil, apperr.New(apperr.KindServer, "malformed results response")
	}
	return json.RawMessage(body), nil
}

// History lists prior analyses of a user. It never fails: any error
// degrades to an empty list.
func (c *Client) History(ctx context.Context, userID string, limit int) []model.AnalysisSummary {
	if userID == "" {
		userID = c.defaultUserID
	}
	path := "/audio/history/" + url.PathEscape(userID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var entries []historyEntry
	err := c.breaker.Execute(func() error {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		code, body, err := c.do(req)
		if err != nil {
			return err
		}
		if code < 200 || code > 299 {
			return apperr.HTTP(apperr.KindServer, code, backendReason(body))
		}
		entries, err = decodeHistory(body)
		return err
	})
	if err != nil {
		logger.Warn("History unavailable", zap.String("user_id", userID), zap.Error(err))
		return []model.AnalysisSummary{}
	}

	out := make([]model.AnalysisSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.AnalysisSummary{
			SessionID:    e.SessionID,
			OverallLevel: model.CEFRLevel(e.OverallLevel),
			OverallScore: e.OverallScore,
			TOEFLScore:   e.TOEFLScore,
			CreatedAt:    e.CreatedAt,
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func decodeHistory(body []byte) ([]historyEntry, error) {
	var list []historyEntry
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var env historyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	switch {
	case env.History != nil:
		return env.History, nil
	case env.Analyses != nil:
		return env.Analyses, nil
	}
	return env.Items, nil
}

// Latest fetches the most recent analysis document of a user. A nil
// document with a nil error means the user has no analysis yet.
func (c *Client) Latest(ctx context.Context, userID string) (json.RawMessage, error) {
	if userID == "" {
		userID = c.defaultUserID
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/audio/latest/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	code, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case code == http.StatusNotFound:
		return nil, nil
	case code < 200 || code > 299:
		return nil, apperr.HTTP(apperr.KindServer, code, backendReason(body))
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err == nil {
		if doc, ok := env["analysis"]; ok {
			if len(doc) == 0 || string(doc) == "null" {
				return nil, nil
			}
			return doc, nil
		}
	}
	if !json.Valid(body) || string(bytes.TrimSpace(body)) == "null" {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

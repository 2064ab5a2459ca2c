package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPRemoteStore implements RemoteStore against a JSON HTTP service.
// Every call runs through the circuit breaker so a dead backend fails
// fast instead of costing each local operation a full timeout.
type HTTPRemoteStore struct {
	config  RemoteConfig
	client  *http.Client
	breaker *CircuitBreaker
}

var _ RemoteStore = (*HTTPRemoteStore)(nil)

// NewHTTPRemoteStore creates a remote store client for the configured
// endpoint.
func NewHTTPRemoteStore(config RemoteConfig) (*HTTPRemoteStore, error) {
	if config.Endpoint == "" {
		return nil, newFieldError("endpoint", "must not be empty")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, newFieldError("endpoint", err.Error())
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.BreakerFailures <= 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 60 * time.Second
	}
	return &HTTPRemoteStore{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: NewCircuitBreaker(config.BreakerFailures, config.BreakerReset),
	}, nil
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (h *HTTPRemoteStore) BreakerState() string {
	return h.breaker.State()
}

// do issues one JSON request through the breaker. A nil out skips
// response decoding; notFoundOK turns a 404 into a nil result.
func (h *HTTPRemoteStore) do(ctx context.Context, method, path string, body, out any, notFoundOK bool) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.config.Endpoint+path, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}

	return h.breaker.Execute(func() error {
		resp, err := h.client.Do(req)
		if err != nil {
			return &NetworkError{Op: method + " " + path, Cause: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound && notFoundOK {
			return errRemoteNotFound
		}
		if resp.StatusCode >= 400 {
			return &NetworkError{Op: method + " " + path, StatusCode: resp.StatusCode}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: method + " " + path, Cause: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
}

// errRemoteNotFound distinguishes a clean 404 from transport failures
// inside do; callers translate it to a (nil, nil) result.
var errRemoteNotFound = errors.New("remote record not found")

func (h *HTTPRemoteStore) CreateSession(ctx context.Context, siteID, programID string, submission Submission, petriTemplate, gasifierTemplate []TemplateEntry) (*CreateSessionResult, error) {
	req := createSessionPayload{
		SiteID:           siteID,
		ProgramID:        programID,
		Submission:       submission,
		PetriTemplate:    petriTemplate,
		GasifierTemplate: gasifierTemplate,
	}
	var result CreateSessionResult
	if err := h.do(ctx, http.MethodPost, "/api/v1/sessions", req, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *HTTPRemoteStore) FetchSession(ctx context.Context, sessionID string) (*SubmissionSession, error) {
	var session SubmissionSession
	err := h.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &session, true)
	if errors.Is(err, errRemoteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (h *HTTPRemoteStore) FetchSubmissionWithSession(ctx context.Context, submissionID string) (*SubmissionWithSession, error) {
	var pair SubmissionWithSession
	err := h.do(ctx, http.MethodGet, "/api/v1/submissions/"+url.PathEscape(submissionID), nil, &pair, true)
	if errors.Is(err, errRemoteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (h *HTTPRemoteStore) UpdateActivity(ctx context.Context, sessionID string) error {
	return h.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/activity", nil, nil, false)
}

func (h *HTTPRemoteStore) Complete(ctx context.Context, sessionID string) (*CompleteResult, error) {
	var result CompleteResult
	if err := h.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/complete", nil, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *HTTPRemoteStore) Cancel(ctx context.Context, sessionID string) (*CancelResult, error) {
	var result CancelResult
	if err := h.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/cancel", nil, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *HTTPRemoteStore) ShareSession(ctx context.Context, sessionID string, userIDs []string) error {
	body := map[string][]string{"user_ids": userIDs}
	return h.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/share", body, nil, false)
}

func (h *HTTPRemoteStore) UpsertObservation(ctx context.Context, obs Observation) error {
	return h.do(ctx, http.MethodPut, "/api/v1/observations/"+url.PathEscape(obs.ID), obs, nil, false)
}

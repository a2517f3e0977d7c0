package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTGateway talks to a LaML-compatible voice API (Twilio, SignalWire and
// friends share this surface): form-encoded requests against
// /Accounts/{sid}/Calls.json with basic auth.
type RESTGateway struct {
	accountSID string
	authToken  string
	baseURL    string

	// AnswerURL is handed to the provider as the call-control document URL
	// once the callee picks up.
	answerURL string

	httpClient *http.Client
}

type RESTConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	AnswerURL  string

	// Timeout bounds each provider HTTP round trip.
	Timeout time.Duration
}

func NewRESTGateway(cfg RESTConfig) (*RESTGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("provider: account sid and auth token are required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTGateway{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		answerURL:  cfg.AnswerURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (g *RESTGateway) Name() string { return "laml-rest" }

// APIError is a non-2xx provider response.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: api error status=%d code=%d: %s", e.HTTPStatus, e.Code, e.Message)
}

type callResource struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *RESTGateway) StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error) {
	if req.From == "" || req.To == "" {
		return StartCallResult{}, fmt.Errorf("provider: from and to are required")
	}

	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	if g.answerURL != "" {
		form.Set("Url", g.answerURL)
		form.Set("Method", "POST")
	}
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated,ringing,answered,completed")
		form.Set("StatusCallbackMethod", "POST")
	}
	if req.RingTimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.RingTimeoutSeconds))
	} else {
		form.Set("Timeout", "30")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", g.baseURL, g.accountSID)
	res, err := g.do(ctx, endpoint, form)
	if err != nil {
		return StartCallResult{}, err
	}
	if res.SID == "" {
		return StartCallResult{}, fmt.Errorf("provider: call accepted but no sid returned")
	}
	return StartCallResult{ProviderCallID: res.SID}, nil
}

// TerminateCall forces an in-flight call to completed. Terminating an
// already-finished call is not an error on the provider side.
func (g *RESTGateway) TerminateCall(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return fmt.Errorf("provider: call id is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", g.baseURL, g.accountSID, url.PathEscape(providerCallID))
	_, err := g.do(ctx, endpoint, form)
	return err
}

func (g *RESTGateway) do(ctx context.Context, endpoint string, form url.Values) (callResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return callResource{}, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return callResource{}, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return callResource{}, fmt.Errorf("provider: read response: %w", err)
	}

	var res callResource
	// Tolerate empty/non-JSON bodies on success paths; the sid check above
	// catches anything unusable.
	_ = json.Unmarshal(body, &res)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := res.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return callResource{}, &APIError{HTTPStatus: resp.StatusCode, Code: res.Code, Message: msg}
	}
	return res, nil
}

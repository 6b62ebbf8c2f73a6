package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusmart/server/internal/circuitbreaker"
	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/httputil"
	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/metrics"
)

const (
	// CallbackPathListing receives results for listing fee pushes.
	CallbackPathListing = "/mpesa/callback/listing"
	// CallbackPathUnlock receives results for contact unlock pushes.
	CallbackPathUnlock = "/mpesa/callback/unlock"

	transactionType  = "CustomerPayBillOnline"
	timestampLayout  = "20060102150405"
	processingCode   = "500.001.1001"
	tokenExpiryGrace = 60 * time.Second
)

// eat is East Africa Time; Daraja validates the push timestamp against it.
var eat = time.FixedZone("EAT", 3*60*60)

// ErrGatewayUnavailable is returned when the circuit breaker is rejecting calls.
var ErrGatewayUnavailable = errors.New("mpesa gateway unavailable")

// APIError is a rejection reported by the provider in a well-formed response.
type APIError struct {
	Operation string
	Code      string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa %s rejected: %s (%s)", e.Operation, e.Message, e.Code)
}

// IsProcessing reports whether the provider is still waiting on the payer.
func (e *APIError) IsProcessing() bool {
	return e.Code == processingCode || strings.Contains(strings.ToLower(e.Message), "being processed")
}

// Config is the immutable gateway configuration.
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	CallbackBaseURL string // public base URL, including any route prefix
	Timeout         time.Duration
}

// ConfigFrom copies the gateway settings out of the application config.
func ConfigFrom(cfg config.MpesaConfig, routePrefix string) Config {
	return Config{
		BaseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		ConsumerKey:     cfg.ConsumerKey,
		ConsumerSecret:  cfg.ConsumerSecret,
		Shortcode:       cfg.Shortcode,
		Passkey:         cfg.Passkey,
		CallbackBaseURL: strings.TrimSuffix(cfg.CallbackBaseURL, "/") + routePrefix,
		Timeout:         cfg.Timeout.Duration,
	}
}

// Client talks to the Daraja OAuth, STK push and STK query endpoints.
type Client struct {
	cfg       Config
	shortcode int64
	http      *http.Client
	breaker   *circuitbreaker.Manager
	tokens    TokenCache
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default pooled HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithBreaker guards every call with the mpesa circuit breaker.
func WithBreaker(m *circuitbreaker.Manager) Option { return func(c *Client) { c.breaker = m } }

// WithTokenCache sets where access tokens are cached.
func WithTokenCache(tc TokenCache) Option { return func(c *Client) { c.tokens = tc } }

// WithMetrics records gateway call metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithClock overrides the clock used for push timestamps.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// NewClient validates cfg and builds a gateway client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	var errs []string
	if cfg.BaseURL == "" {
		errs = append(errs, "base url is required")
	}
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		errs = append(errs, "consumer key and secret are required")
	}
	if cfg.Passkey == "" {
		errs = append(errs, "passkey is required")
	}
	if cfg.CallbackBaseURL == "" {
		errs = append(errs, "callback base url is required")
	}
	shortcode, err := strconv.ParseInt(cfg.Shortcode, 10, 64)
	if err != nil {
		errs = append(errs, fmt.Sprintf("shortcode %q must be numeric", cfg.Shortcode))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("mpesa config: %s", strings.Join(errs, "; "))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg:       cfg,
		shortcode: shortcode,
		tokens:    noTokenCache{},
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httputil.NewClient(cfg.Timeout)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   flexString `json:"expires_in"`
}

// AccessToken returns a bearer token, from the cache when one is still valid.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if token, ok, err := c.tokens.Get(ctx); err != nil {
		c.log.Warn().Err(err).Msg("mpesa.token_cache.get_failed")
	} else if ok {
		return token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	var resp tokenResponse
	err := c.call(ctx, "oauth", httputil.Request{
		Method:  http.MethodGet,
		URL:     c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials",
		Headers: map[string]string{"Authorization": "Basic " + basic},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", errors.New("get access token: empty access_token in response")
	}

	if secs, ok := resp.ExpiresIn.Int(); ok {
		ttl := time.Duration(secs)*time.Second - tokenExpiryGrace
		if err := c.tokens.Set(ctx, resp.AccessToken, ttl); err != nil {
			c.log.Warn().Err(err).Msg("mpesa.token_cache.set_failed")
		}
	}
	return resp.AccessToken, nil
}

// PushRequest describes a single STK push.
type PushRequest struct {
	Phone            string // normalized 2547XXXXXXXX
	Amount           int64  // whole KES
	AccountReference string // e.g. PROD12
	Description      string
	CallbackPath     string // CallbackPathListing or CallbackPathUnlock
}

// PushResponse is the provider's acknowledgement of an accepted push.
type PushResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

type stkPushPayload struct {
	BusinessShortCode int64  `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            int64  `json:"PartyA"`
	PartyB            int64  `json:"PartyB"`
	PhoneNumber       int64  `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResponseCode        flexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	CustomerMessage     string     `json:"CustomerMessage"`
}

// STKPush asks the provider to prompt the payer's phone for the amount.
// A nil error means the push was accepted and CheckoutRequestID is set.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (PushResponse, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return PushResponse{}, err
	}
	msisdn, _ := strconv.ParseInt(phone, 10, 64)
	if req.Amount <= 0 {
		return PushResponse{}, fmt.Errorf("stk push: amount must be positive, got %d", req.Amount)
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return PushResponse{}, err
	}

	timestamp, password := c.password()
	payload := stkPushPayload{
		BusinessShortCode: c.shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            msisdn,
		PartyB:            c.shortcode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.cfg.CallbackBaseURL + req.CallbackPath,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var resp stkPushResponse
	err = c.call(ctx, "stk_push", httputil.Request{
		Method:  http.MethodPost,
		URL:     c.cfg.BaseURL + "/mpesa/stkpush/v1/processrequest",
		Headers: map[string]string{"Authorization": "Bearer " + token},
		Body:    payload,
	}, &resp)
	if err != nil {
		return PushResponse{}, err
	}

	out := PushResponse{
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   strings.TrimSpace(resp.CheckoutRequestID),
		ResponseCode:        string(resp.ResponseCode),
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}
	if out.ResponseCode != "0" {
		return out, &APIError{Operation: "stk_push", Code: out.ResponseCode, Message: resp.ResponseDescription}
	}
	if out.CheckoutRequestID == "" {
		return out, &APIError{Operation: "stk_push", Code: out.ResponseCode, Message: "accepted without CheckoutRequestID"}
	}

	c.log.Info().
		Str("checkout_request_id", out.CheckoutRequestID).
		Str("account_reference", req.AccountReference).
		Str("phone", logger.MaskPhone(phone)).
		Int64("amount", req.Amount).
		Msg("mpesa.stk_push.accepted")
	return out, nil
}

// QueryResult is the provider's current view of a push.
type QueryResult struct {
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Outcome           Outcome
}

type stkQueryPayload struct {
	BusinessShortCode int64  `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode      flexString `json:"ResponseCode"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        flexString `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
}

// QueryStatus asks the provider for the current state of a push.
// "Still being processed" answers come back as OutcomePending with a nil error.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (QueryResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	timestamp, password := c.password()
	var resp stkQueryResponse
	err = c.call(ctx, "stk_query", httputil.Request{
		Method:  http.MethodPost,
		URL:     c.cfg.BaseURL + "/mpesa/stkpushquery/v1/query",
		Headers: map[string]string{"Authorization": "Bearer " + token},
		Body: stkQueryPayload{
			BusinessShortCode: c.shortcode,
			Password:          password,
			Timestamp:         timestamp,
			CheckoutRequestID: checkoutRequestID,
		},
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsProcessing() {
			return QueryResult{
				CheckoutRequestID: checkoutRequestID,
				ResultDesc:        apiErr.Message,
				Outcome:           OutcomePending,
			}, nil
		}
		return QueryResult{}, err
	}

	result := QueryResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        string(resp.ResultCode),
		ResultDesc:        resp.ResultDesc,
		Outcome:           OutcomePending,
	}
	if result.ResultCode != "" {
		result.Outcome = OutcomeFromQueryCode(result.ResultCode)
	}
	return result, nil
}

// password derives the per-request STK password from the shortcode, passkey and timestamp.
func (c *Client) password() (timestamp, password string) {
	timestamp = c.now().In(eat).Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
	return timestamp, password
}

type providerErrorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// call runs one HTTP exchange through the breaker. Structured provider rejections
// are returned as *APIError and do not count against the breaker; transport
// failures and unstructured 5xx answers do.
func (c *Client) call(ctx context.Context, operation string, req httputil.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	v, err := c.breaker.Execute(circuitbreaker.ServiceMpesa, func() (interface{}, error) {
		err := httputil.DoJSON(ctx, c.http, req, out)
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) {
			var body providerErrorBody
			if json.Unmarshal(statusErr.Body, &body) == nil && body.ErrorCode != "" {
				return &APIError{Operation: operation, Code: body.ErrorCode, Message: body.ErrorMessage}, nil
			}
			if statusErr.StatusCode < 500 {
				return statusErr, nil
			}
		}
		return nil, err
	})
	if err == nil {
		if rejected, ok := v.(error); ok {
			err = rejected
		}
	}
	c.metrics.ObserveGatewayCall(operation, time.Since(start), err)

	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return fmt.Errorf("%s: %w", operation, ErrGatewayUnavailable)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

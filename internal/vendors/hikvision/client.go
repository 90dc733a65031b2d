package hikvision

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

var (
	// ErrUnauthorized is returned when the device rejects the credentials
	ErrUnauthorized = errors.New("isapi: unauthorized")
	// ErrCircuitOpen is returned while the device's breaker is open
	ErrCircuitOpen = errors.New("isapi: circuit open")
)

// APIError is a non-2xx ISAPI reply. The device answered, so it does not
// count against the circuit breaker unless it is a server error.
type APIError struct {
	HTTPStatus    int
	StatusCode    int
	StatusString  string
	SubStatusCode string
	Message       string
}

func (e *APIError) Error() string {
	if e.SubStatusCode != "" {
		return fmt.Sprintf("isapi: http %d: %s (%s)", e.HTTPStatus, e.StatusString, e.SubStatusCode)
	}
	if e.StatusString != "" {
		return fmt.Sprintf("isapi: http %d: %s", e.HTTPStatus, e.StatusString)
	}
	return fmt.Sprintf("isapi: http %d", e.HTTPStatus)
}

// responseStatus is the body ISAPI returns for writes and errors, in
// either XML or JSON
type responseStatus struct {
	XMLName       xml.Name `xml:"ResponseStatus" json:"-"`
	RequestURL    string   `xml:"requestURL" json:"requestURL"`
	StatusCode    int      `xml:"statusCode" json:"statusCode"`
	StatusString  string   `xml:"statusString" json:"statusString"`
	SubStatusCode string   `xml:"subStatusCode" json:"subStatusCode"`
	ErrorMsg      string   `json:"errorMsg" xml:"-"`
}

// ClientOptions tunes transport behaviour for one device
type ClientOptions struct {
	Timeout            time.Duration
	RequestsPerSecond  float64
	Burst              int
	BreakerFailures    uint32
	BreakerCooldown    time.Duration
	InsecureSkipVerify bool
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	return o
}

// Client talks ISAPI to one device. It caches the digest challenge so
// most requests authenticate on the first round trip.
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	stream   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	log      *zap.Logger

	mu        sync.Mutex
	challenge *challenge
	nc        uint32
}

// NewClient builds a client for baseURL such as http://10.0.0.5:80
func NewClient(baseURL, user, password string, opts ClientOptions, log *zap.Logger) *Client {
	opts = opts.withDefaults()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12} //nolint:gosec // devices ship self-signed certificates
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: opts.Timeout, Transport: transport},
		stream:   &http.Client{Transport: transport},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		log:      log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("isapi circuit breaker state changed",
				zap.String("device", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// breakerSuccess treats any answer short of a server error as the device
// being reachable
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus < http.StatusInternalServerError
	}
	return false
}

// BreakerState reports the circuit breaker state for health reporting
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Do sends one request and returns the response body
func (c *Client) Do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body, contentType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrapf(ErrCircuitOpen, "%s %s", method, path)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// GetXML fetches path and decodes an XML document into v
func (c *Client) GetXML(ctx context.Context, path string, v any) error {
	data, err := c.Do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return errors.Wrapf(xml.Unmarshal(data, v), "decode %s", path)
}

// PutXML sends v as an XML body. A nil v sends an empty body.
func (c *Client) PutXML(ctx context.Context, path string, v any) error {
	var body []byte
	if v != nil {
		var err error
		if body, err = xml.Marshal(v); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	_, err := c.Do(ctx, http.MethodPut, path, body, "application/xml")
	return err
}

// JSON sends in as a JSON body and decodes the reply into out when non-nil
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	data, err := c.Do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(data, out), "decode %s", path)
}

// Stream opens a long-lived GET. The caller owns the response body.
func (c *Client) Stream(ctx context.Context, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.send(ctx, c.stream, http.MethodGet, path, nil, "")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			defer resp.Body.Close()
			return nil, readError(resp)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrapf(ErrCircuitOpen, "stream %s", path)
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	resp, err := c.send(ctx, c.http, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, readError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

// send performs the request, answering at most one digest challenge
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body []byte, contentType string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "build request")
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if auth := c.authorize(method, req.URL.RequestURI()); auth != "" {
			req.Header.Set("Authorization", auth)
		}

		resp, err := hc.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", method, path)
		}
		if resp.StatusCode != http.StatusUnauthorized || attempt > 0 {
			return resp, nil
		}

		header := resp.Header.Get("WWW-Authenticate")
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		ch, err := parseChallenge(header)
		if err != nil {
			return nil, errors.Wrapf(ErrUnauthorized, "%s %s: %v", method, path, err)
		}
		c.setChallenge(ch)
	}
}

func (c *Client) authorize(method, uri string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.challenge == nil {
		return ""
	}
	c.nc++
	return c.challenge.authorization(method, uri, c.user, c.password, c.nc, newCnonce())
}

func (c *Client) setChallenge(ch *challenge) {
	c.mu.Lock()
	c.challenge = ch
	c.nc = 0
	c.mu.Unlock()
}

// readError turns a failed reply into ErrUnauthorized or an *APIError
func readError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Wrapf(ErrUnauthorized, "%s", resp.Request.URL.Path)
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{HTTPStatus: resp.StatusCode}

	var st responseStatus
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		if json.Unmarshal(trimmed, &st) == nil {
			apiErr.StatusCode = st.StatusCode
			apiErr.StatusString = st.StatusString
			apiErr.SubStatusCode = st.SubStatusCode
			apiErr.Message = st.ErrorMsg
		}
	case len(trimmed) > 0 && trimmed[0] == '<':
		if xml.Unmarshal(trimmed, &st) == nil {
			apiErr.StatusCode = st.StatusCode
			apiErr.StatusString = st.StatusString
			apiErr.SubStatusCode = st.SubStatusCode
		}
	}
	return apiErr
}

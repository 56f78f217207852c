package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/metrics"
	"github.com/sugarmesh/glucolink/internal/storage"
)

const (
	loginPath       = "/llu/auth/login"
	logoutPath      = "/llu/auth/logout"
	connectionsPath = "/llu/connections"

	maxResponseBytes = 1 << 20
)

// Config holds vendor client settings.
type Config struct {
	Region          string
	BaseURL         string // overrides the region map when set
	ClientVersion   string
	Product         string
	UserAgent       string
	RequestTimeout  time.Duration
	RetryAttempts   int
	RetryStep       time.Duration
	FreshnessWindow time.Duration
}

// Client talks to the vendor cloud API. All calls resolve their retry policy
// internally; callers only ever see the terminal outcome.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a vendor client for the configured region.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		url, ok := BaseURLForRegion(cfg.Region)
		if !ok {
			return nil, fmt.Errorf("unknown vendor region: %s", cfg.Region)
		}
		baseURL = url
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryStep == 0 {
		cfg.RetryStep = time.Second
	}
	if cfg.FreshnessWindow == 0 {
		cfg.FreshnessWindow = 15 * time.Minute
	}

	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "gateway").Logger(),
		now:        time.Now,
	}, nil
}

// BaseURL returns the resolved vendor base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login authenticates against the vendor and extracts the session token and
// derived account hash.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var result *LoginResult

	err := c.withRetry(ctx, "login", func(ctx context.Context) error {
		body := map[string]string{"email": email, "password": password}
		status, data, err := c.roundTrip(ctx, http.MethodPost, loginPath, body, nil)
		if err != nil {
			return err
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return ErrAuth
		case status >= 500:
			return fmt.Errorf("login status %d: %w", status, ErrUpstream)
		case status >= 400:
			return fmt.Errorf("gateway: login failed with status %d", status)
		}

		var payload struct {
			Data struct {
				AuthTicket struct {
					Token string `json:"token"`
				} `json:"authTicket"`
				User struct {
					ID string `json:"id"`
				} `json:"user"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode login response: %w", ErrUpstream)
		}
		if payload.Data.AuthTicket.Token == "" {
			return ErrAuth
		}

		result = &LoginResult{
			Token:       payload.Data.AuthTicket.Token,
			AccountHash: accountHash(payload.Data.User.ID),
		}
		return nil
	})

	recordOutcome("login", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReadLatest fetches the newest glucose reading for a session. The embedded
// connection measurement is used when fresh; otherwise the historical graph
// endpoint is queried and its most recent entry wins.
func (c *Client) ReadLatest(ctx context.Context, session *storage.SessionRecord) (Reading, error) {
	var reading Reading

	err := c.withRetry(ctx, "read", func(ctx context.Context) error {
		status, data, err := c.roundTrip(ctx, http.MethodGet, connectionsPath, nil, session)
		if err != nil {
			return err
		}
		if err := classifySessionStatus(status); err != nil {
			return err
		}

		var payload struct {
			Data []vendorConnection `json:"data"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode connections: %w", ErrUpstream)
		}

		conn := pickConnection(payload.Data)
		if conn == nil {
			reading = Reading{}
			return nil
		}

		now := c.now()
		sensor := normalizeSensor(conn.Sensor, now)
		r := normalizeMeasurement(conn.GlucoseMeasurement)
		r.Sensor = sensor

		if c.needsGraphFallback(r, sensor, now) {
			graph, err := c.fetchGraph(ctx, session, conn.PatientID)
			if err != nil {
				return err
			}
			if g := latestMeasurement(graph, sensor); !g.Empty() {
				r = g
			}
		}

		reading = r
		return nil
	})

	recordOutcome("read", err)
	if err != nil {
		return Reading{}, err
	}
	return reading, nil
}

// Logout tears down the vendor-side session. Best effort: the caller logs
// failures and moves on.
func (c *Client) Logout(ctx context.Context, session *storage.SessionRecord) error {
	status, _, err := c.roundTrip(ctx, http.MethodPost, logoutPath, nil, session)
	if err != nil {
		return err
	}
	if status >= 400 && status != http.StatusUnauthorized {
		return fmt.Errorf("logout status %d", status)
	}
	return nil
}

// needsGraphFallback decides whether the embedded measurement is stale enough
// to warrant the graph query. A warming-up sensor is expected to have no
// fresh data, so it never triggers the fallback.
func (c *Client) needsGraphFallback(r Reading, sensor *SensorInfo, now time.Time) bool {
	if sensor != nil && sensor.State == SensorWarmingUp {
		return false
	}
	return r.Empty() || now.Sub(r.Timestamp) > c.cfg.FreshnessWindow
}

func (c *Client) fetchGraph(ctx context.Context, session *storage.SessionRecord, patientID string) ([]vendorMeasurement, error) {
	path := fmt.Sprintf("%s/%s/graph", connectionsPath, patientID)
	status, data, err := c.roundTrip(ctx, http.MethodGet, path, nil, session)
	if err != nil {
		return nil, err
	}
	if err := classifySessionStatus(status); err != nil {
		return nil, err
	}

	var payload struct {
		Data struct {
			GraphData []vendorMeasurement `json:"graphData"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode graph: %w", ErrUpstream)
	}
	return payload.Data.GraphData, nil
}

// withRetry runs fn up to the configured attempt count, sleeping 0s, 1s, 2s
// (one retry step more per attempt) between attempts. Only timeouts and
// upstream failures are retried; everything else fails immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.cfg.RetryStep
			c.logger.Debug().
				Str("operation", op).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying vendor call")
			metrics.VendorRetryAttempts.Inc()

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s aborted: %w", op, ErrTimeout)
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// roundTrip performs one HTTP attempt against the vendor. Transport failures
// are classified into the retryable taxonomy; HTTP status interpretation is
// left to the caller.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, session *storage.SessionRecord) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("version", c.cfg.ClientVersion)
	req.Header.Set("product", c.cfg.Product)
	if session != nil {
		req.Header.Set("Authorization", "Bearer "+session.VendorToken)
		req.Header.Set("account-id", session.AccountHash)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return 0, nil, fmt.Errorf("%s %s: %v: %w", method, path, err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", ErrUpstream)
	}
	return resp.StatusCode, data, nil
}

// classifySessionStatus maps HTTP status codes on session-scoped calls into
// the error taxonomy. 401 always means the session itself is dead.
func classifySessionStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrSessionExpired
	case status >= 500:
		return fmt.Errorf("vendor status %d: %w", status, ErrUpstream)
	case status >= 400:
		return fmt.Errorf("gateway: vendor status %d", status)
	default:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// accountHash derives the opaque account identifier sent in vendor headers.
func accountHash(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

func recordOutcome(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAuth):
		outcome = "auth"
	case errors.Is(err, ErrSessionExpired):
		outcome = "expired"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrUpstream):
		outcome = "upstream"
	default:
		outcome = "error"
	}
	metrics.VendorRequestsTotal.WithLabelValues(op, outcome).Inc()
}

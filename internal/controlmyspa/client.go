package controlmyspa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/controlmyspa-bridge/internal/infrastructure/config"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

var _ spa.DeviceAPI = (*Client)(nil)

// Client defaults.
const (
	defaultTimeout = 30 * time.Second

	// userAgent matches the mobile app the cloud API is built for.
	userAgent = "ControlMySpa/3.0.2 (com.controlmyspa.qa; build:1; iOS 14.2.0) Alamofire/5.2.2"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 512

	loginScope = "openid user_name"
)

// Client implements spa.DeviceAPI against the ControlMySpa cloud.
//
// Authenticate performs the full login sequence:
//  1. Discovers the token and whoami endpoints (cached after the first success)
//  2. Runs the OAuth password grant with the mobile client credentials
//  3. Reads the owner profile from whoami
//  4. Resolves the spa ID via findByUsername when not yet known
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu    sync.RWMutex
	idm   *idmResponse
	token string
	owner spa.OwnerInfo
	spaID string
}

// New creates a Client from the spa configuration section.
//
// Parameters:
//   - cfg: Spa configuration (username, password, base_url, http_timeout)
//
// Returns:
//   - *Client: Client ready for Authenticate
//   - error: If required settings are missing
func New(cfg config.SpaConfig) (*Client, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// SpaID returns the resolved spa identifier, or "" before the first
// successful Authenticate or FetchState.
func (c *Client) SpaID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spaID
}

// Authenticate obtains a fresh access token.
func (c *Client) Authenticate(ctx context.Context) (spa.Credential, error) {
	idm, err := c.discover(ctx)
	if err != nil {
		return spa.Credential{}, err
	}

	tok, err := c.login(ctx, idm)
	if err != nil {
		return spa.Credential{}, err
	}
	cred := spa.Credential{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		IssuedAt:    time.Now(),
	}
	if tok.ExpiresIn.Valid && tok.ExpiresIn.Value > 0 {
		cred.ExpiresIn = time.Duration(tok.ExpiresIn.Value) * time.Second
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	needSpa := c.spaID == ""
	c.mu.Unlock()

	var who whoamiResponse
	if idm.Links.Whoami.Href != "" {
		if _, err := c.getJSON(ctx, "whoami", idm.Links.Whoami.Href, &who); err != nil {
			return spa.Credential{}, err
		}
		c.mu.Lock()
		c.owner = who.owner()
		c.mu.Unlock()
	}

	if needSpa {
		if _, err := c.FetchState(ctx); err != nil {
			return spa.Credential{}, err
		}
	}
	return cred, nil
}

// FetchState returns the current spa document.
func (c *Client) FetchState(ctx context.Context) (spa.RawState, error) {
	q := url.Values{"username": {c.username}}
	endpoint := c.baseURL + "/mobile/spas/search/findByUsername?" + q.Encode()

	var doc spaResponse
	status, err := c.getJSON(ctx, "find spa", endpoint, &doc)
	if err != nil {
		if status == http.StatusNotFound {
			return spa.RawState{}, fmt.Errorf("find spa: %w", spa.ErrNoSpa)
		}
		return spa.RawState{}, err
	}
	if doc.ID == "" {
		return spa.RawState{}, fmt.Errorf("find spa: %w", spa.ErrNoSpa)
	}

	c.mu.Lock()
	c.spaID = doc.ID
	owner := c.owner
	c.mu.Unlock()

	return doc.rawState(owner), nil
}

// SendCommand posts one control request. 200 and 202 mean accepted.
func (c *Client) SendCommand(ctx context.Context, cmd spa.Command) (spa.Ack, error) {
	op, body, err := controlRequest(cmd)
	if err != nil {
		return spa.Ack{}, err
	}

	spaID := c.SpaID()
	if spaID == "" {
		return spa.Ack{}, fmt.Errorf("%s: %w", op, spa.ErrNoSpa)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return spa.Ack{}, fmt.Errorf("%s: encoding request: %w", op, err)
	}

	endpoint := c.baseURL + "/mobile/control/" + url.PathEscape(spaID) + "/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return spa.Ack{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, data, err := c.do(req)
	if err != nil {
		return spa.Ack{}, fmt.Errorf("%s: %w", op, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusUnauthorized:
		return spa.Ack{}, fmt.Errorf("%s: %w", op, spa.ErrUnauthorized)
	default:
		return spa.Ack{}, statusError(op, resp.StatusCode, data)
	}

	ack := spa.Ack{Status: resp.StatusCode}
	if len(bytes.TrimSpace(data)) == 0 {
		return ack, nil
	}
	var echo ackResponse
	if err := json.Unmarshal(data, &echo); err != nil {
		// Accepted all the same; only the inline echo is lost.
		return ack, nil
	}
	if len(echo.Values) > 0 {
		ack.Values = make(map[string]string, len(echo.Values))
		for k, v := range echo.Values {
			ack.Values[k] = string(v)
		}
	}
	return ack, nil
}

// controlRequest maps a command to its endpoint and JSON body.
func controlRequest(cmd spa.Command) (string, map[string]any, error) {
	switch cmd.Kind {
	case spa.CommandSetDesiredTemp:
		return "setDesiredTemp", map[string]any{
			"desiredTemp": strconv.FormatFloat(spa.Round1(cmd.TemperatureF), 'f', 1, 64),
		}, nil

	case spa.CommandSetTempRange:
		return "setTempRange", map[string]any{"desiredState": cmd.Value}, nil

	case spa.CommandSetPanelLock:
		state := "UNLOCK_PANEL"
		if cmd.Value == "LOCK" {
			state = "LOCK_PANEL"
		}
		return "setPanel", map[string]any{"desiredState": state}, nil

	case spa.CommandToggleHeaterMode:
		return "toggleHeaterMode", map[string]any{"originatorId": ""}, nil

	case spa.CommandSetComponent:
		var op, originator string
		switch cmd.Component {
		case spa.Light:
			op, originator = "setLightState", "optional-Light"
		case spa.Pump:
			op, originator = "setJetState", "optional-Jet"
		case spa.Blower:
			op, originator = "setBlowerState", "optional-Blower"
		default:
			return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
		}
		return op, map[string]any{
			"deviceNumber": strconv.Itoa(cmd.Port),
			"desiredState": cmd.Value,
			"originatorId": originator,
		}, nil

	case spa.CommandSetFilterSchedule:
		return "setFilterCycleIntervalsSchedule", map[string]any{
			"deviceNumber":   strconv.Itoa(cmd.Port),
			"originatorId":   "optional-filtercycle",
			"intervalNumber": cmd.FilterIntervals(),
			"time":           cmd.FilterStart,
		}, nil

	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Kind)
	}
}

// discover fetches the IDM document once and caches it.
func (c *Client) discover(ctx context.Context) (*idmResponse, error) {
	c.mu.RLock()
	cached := c.idm
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var idm idmResponse
	if _, err := c.getJSON(ctx, "idm", c.baseURL+"/idm/tokenEndpoint", &idm); err != nil {
		return nil, err
	}
	if idm.Links.TokenEndpoint.Href == "" {
		return nil, fmt.Errorf("idm: %w: missing token endpoint", ErrMalformedResponse)
	}

	c.mu.Lock()
	c.idm = &idm
	c.mu.Unlock()
	return &idm, nil
}

// login runs the password grant.
func (c *Client) login(ctx context.Context, idm *idmResponse) (tokenResponse, error) {
	form := url.Values{
		"grant_type": {"password"},
		"password":   {c.password},
		"scope":      {loginScope},
		"username":   {c.username},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idm.Links.TokenEndpoint.Href, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(idm.MobileClientID, idm.MobileClientSecret)

	resp, data, err := c.do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("login: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusBadRequest, http.StatusUnauthorized:
		return tokenResponse{}, fmt.Errorf("login: %w", spa.ErrInvalidCredentials)
	default:
		return tokenResponse{}, statusError("login", resp.StatusCode, data)
	}

	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		return tokenResponse{}, fmt.Errorf("login: %w: %w", ErrMalformedResponse, err)
	}
	if tok.AccessToken == "" {
		return tokenResponse{}, fmt.Errorf("login: %w: missing access_token", ErrMalformedResponse)
	}
	return tok, nil
}

// getJSON performs an authorised GET and decodes a 200 response into out.
// The HTTP status is returned whenever a response was received.
func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, data, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("%s: %w", op, spa.ErrUnauthorized)
	default:
		return resp.StatusCode, statusError(op, resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: %w: %w", op, ErrMalformedResponse, err)
	}
	return resp.StatusCode, nil
}

// authorize adds the bearer token when one is held.
func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// do sends req and reads the whole body.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, data, nil
}

func statusError(op string, status int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Errorf("%s: %w: HTTP %d: %s", op, spa.ErrUnexpectedStatus, status, strings.TrimSpace(string(body)))
}

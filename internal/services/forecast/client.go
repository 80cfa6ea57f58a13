package forecast

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const forecastPath = "/rest/tinkoff.public.invest.api.contract.v1.InstrumentsService/GetForecastBy"

// AuthError marks a 401/403 from the forecast API. The bulk loop treats it
// as fatal and stops processing further UIDs.
type AuthError struct {
	Code int
	UID  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("forecast auth rejected uid=%s status=%d", e.UID, e.Code)
}

// HTTPError is any other non-200 status; the affected UID is counted as
// not found and the loop continues.
type HTTPError struct {
	Code int
	UID  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("forecast request uid=%s status=%d", e.UID, e.Code)
}

// Money decodes either a plain JSON number or the API's MoneyValue object
// ({"units": "123", "nano": 450000000}). Undecodable values become nil.
type Money struct {
	Value *float64
}

func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		m.Value = nil
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		m.Value = &f
		return nil
	}
	var mv struct {
		Units json.RawMessage `json:"units"`
		Nano  int64           `json:"nano"`
	}
	if err := json.Unmarshal(b, &mv); err == nil && mv.Units != nil {
		units, ok := parseUnits(mv.Units)
		if ok {
			v := float64(units) + float64(mv.Nano)/1e9
			m.Value = &v
			return nil
		}
	}
	m.Value = nil
	return nil
}

func parseUnits(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ConsensusItem is the aggregated forecast block of the API response.
type ConsensusItem struct {
	UID            string `json:"uid"`
	Ticker         string `json:"ticker"`
	Recommendation string `json:"recommendation"`
	Currency       string `json:"currency"`
	Consensus      Money  `json:"consensus"`
	MinTarget      Money  `json:"minTarget"`
	MaxTarget      Money  `json:"maxTarget"`
}

// TargetItem is one analyst house entry of the targets array.
type TargetItem struct {
	UID                string `json:"uid"`
	Ticker             string `json:"ticker"`
	Company            string `json:"company"`
	Recommendation     string `json:"recommendation"`
	RecommendationDate string `json:"recommendationDate"`
	Currency           string `json:"currency"`
	TargetPrice        Money  `json:"targetPrice"`
	ShowName           string `json:"showName"`
}

// Payload is a successfully fetched forecast. Consensus may be nil and
// Targets empty when the instrument has no coverage; that is an empty
// result, not an error.
type Payload struct {
	Consensus *ConsensusItem `json:"consensus"`
	Targets   []TargetItem   `json:"targets"`
}

func (p *Payload) Empty() bool {
	return p == nil || (p.Consensus == nil && len(p.Targets) == 0)
}

// Cache holds forecast payloads for the lifetime of one run. It is owned
// by the client instance, never package state, so independent runs in one
// process do not leak entries.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Payload
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Payload)}
}

func (c *Cache) Get(uid string) (*Payload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[uid]
	return p, ok
}

func (c *Cache) Put(uid string, p *Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uid] = p
}

func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Payload)
}

// ClientConfig carries the transport knobs; tokens are resolved separately
// on each request so a rotated token file is picked up without restart.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	VerifySSL  bool
	CACertPath string
}

// Client fetches consensus forecasts per instrument UID.
type Client struct {
	http    *resty.Client
	baseURL string
	cache   *Cache
	log     *logrus.Logger
}

func NewClient(cfg ClientConfig, log *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")

	if !cfg.VerifySSL {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	} else if cfg.CACertPath != "" {
		if pool := loadCertPool(cfg.CACertPath, log); pool != nil {
			client.SetTLSClientConfig(&tls.Config{RootCAs: pool})
		}
	}

	return &Client{
		http:    client,
		baseURL: cfg.BaseURL,
		cache:   NewCache(),
		log:     log,
	}
}

// Cache exposes the run cache, mainly so tests and callers can reset it.
func (c *Client) Cache() *Cache {
	return c.cache
}

// loadCertPool loads the custom CA bundle on top of the system roots.
// A broken bundle is not fatal; verification falls back to system trust.
func loadCertPool(path string, log *logrus.Logger) *x509.CertPool {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("failed to read CA bundle, using system trust store")
		return nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		log.WithFields(logrus.Fields{"path": path}).Warn("CA bundle contained no usable certificates, using system trust store")
		return nil
	}
	return pool
}

// loadToken resolves the API token: primary env var, alternate env var,
// then a plaintext token file in the working directory. A missing token is
// allowed; the request simply goes out unauthenticated.
func loadToken() string {
	if token := os.Getenv("INVEST_TINKOFF_TOKEN"); token != "" {
		return strings.TrimSpace(token)
	}
	if token := os.Getenv("INVEST_TOKEN"); token != "" {
		return strings.TrimSpace(token)
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for _, name := range []string{"tinkoff_token.txt", "token.txt"} {
		content, err := os.ReadFile(filepath.Join(wd, name))
		if err != nil {
			continue
		}
		if token := strings.TrimSpace(string(content)); token != "" {
			return token
		}
	}
	return ""
}

// GetConsensus fetches the forecast for a UID. Successful payloads are
// cached for the rest of the run; refresh bypasses and overwrites the
// cache entry.
func (c *Client) GetConsensus(uid string, refresh bool) (*Payload, error) {
	if !refresh {
		if cached, ok := c.cache.Get(uid); ok {
			return cached, nil
		}
	}

	req := c.http.R().SetBody(map[string]string{"instrumentId": uid})
	if token := loadToken(); token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	resp, err := req.Post(c.baseURL + forecastPath)
	if err != nil {
		return nil, fmt.Errorf("forecast request failed uid=%s: %w", uid, err)
	}
	switch {
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return nil, &AuthError{Code: resp.StatusCode(), UID: uid}
	case resp.StatusCode() != 200:
		return nil, &HTTPError{Code: resp.StatusCode(), UID: uid}
	}

	var payload Payload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		// A 200 body without the expected shape is an empty result.
		payload = Payload{}
	}

	c.cache.Put(uid, &payload)
	return &payload, nil
}

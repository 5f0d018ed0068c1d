// Package nvd is a small client for the NVD CVE API 2.0.
package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// ErrNotFound is returned when NVD has no record for the id.
var ErrNotFound = errors.New("nvd: cve not found")

// =============== Types ===============

// Top-level response
type NVDResponse struct {
	ResultsPerPage  int          `json:"resultsPerPage"`
	StartIndex      int          `json:"startIndex"`
	TotalResults    int          `json:"totalResults"`
	Timestamp       string       `json:"timestamp"`
	Vulnerabilities []DefCVEItem `json:"vulnerabilities"`
}

// An item in the "vulnerabilities" array
type DefCVEItem struct {
	CVE CveItem `json:"cve"`
}

// CVE object, limited to the fields enrichment reads
type CveItem struct {
	ID                    string       `json:"id"`
	VulnStatus            string       `json:"vulnStatus"`
	Published             string       `json:"published"`
	LastModified          string       `json:"lastModified"`
	CisaExploitAdd        *string      `json:"cisaExploitAdd,omitempty"`
	CisaVulnerabilityName *string      `json:"cisaVulnerabilityName,omitempty"`
	Descriptions          []LangString `json:"descriptions"`
	References            []Reference  `json:"references"`
	Metrics               Metrics      `json:"metrics,omitempty"`
	Weaknesses            []Weakness   `json:"weaknesses,omitempty"`
}

// "descriptions" array items
type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// "references" array items
type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Container for CVSS v3 metrics
type Metrics struct {
	CvssMetricV31 []CvssV3 `json:"cvssMetricV31,omitempty"`
	CvssMetricV30 []CvssV3 `json:"cvssMetricV30,omitempty"`
}

// CVSS v3.x metric
type CvssV3 struct {
	Source              string     `json:"source"`
	Type                string     `json:"type"`
	CvssData            CvssDataV3 `json:"cvssData"`
	ExploitabilityScore float64    `json:"exploitabilityScore,omitempty"`
	ImpactScore         float64    `json:"impactScore,omitempty"`
}

// CVSS v3.x data
type CvssDataV3 struct {
	Version            string  `json:"version"`
	VectorString       string  `json:"vectorString"`
	BaseScore          float64 `json:"baseScore"`
	BaseSeverity       string  `json:"baseSeverity"`
	AttackVector       string  `json:"attackVector"`
	AttackComplexity   string  `json:"attackComplexity"`
	PrivilegesRequired string  `json:"privilegesRequired"`
	UserInteraction    string  `json:"userInteraction"`
	Scope              string  `json:"scope"`
}

// "weaknesses" array items
type Weakness struct {
	Source      string       `json:"source"`
	Type        string       `json:"type"`
	Description []LangString `json:"description"`
}

// PrimaryV3 returns the preferred CVSS v3 metric: the NVD "Primary" entry
// of the newest version, else the first one present.
func (c CveItem) PrimaryV3() (CvssV3, bool) {
	for _, list := range [][]CvssV3{c.Metrics.CvssMetricV31, c.Metrics.CvssMetricV30} {
		for _, m := range list {
			if m.Type == "Primary" {
				return m, true
			}
		}
		if len(list) > 0 {
			return list[0], true
		}
	}
	return CvssV3{}, false
}

// KnownExploited reports whether CISA lists the CVE in its KEV catalog.
func (c CveItem) KnownExploited() bool {
	return c.CisaExploitAdd != nil && *c.CisaExploitAdd != ""
}

// Description returns the English description.
func (c CveItem) Description() string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	return ""
}

// =============== Client ===============

// Client fetches CVE records. Responses are cached for the life of the
// client and requests are paced to the NVD public rate limit.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]CveItem
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sets the NVD API key, which also raises the request budget.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
		if key != "" {
			c.limiter = rate.NewLimiter(rate.Every(30*time.Second/50), 5)
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit overrides the request pacing.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(30*time.Second/5), 1),
		cache:   make(map[string]CveItem),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetCVE fetches one CVE by id, e.g. CVE-2019-1010218.
func (c *Client) GetCVE(ctx context.Context, vid string) (CveItem, error) {
	vid = strings.ToUpper(strings.TrimSpace(vid))

	c.mu.Lock()
	cached, ok := c.cache[vid]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return CveItem{}, fmt.Errorf("nvd rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?cveId="+url.QueryEscape(vid), nil)
	if err != nil {
		return CveItem{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return CveItem{}, fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return CveItem{}, fmt.Errorf("%w: %s", ErrNotFound, vid)
	}
	if resp.StatusCode != http.StatusOK {
		return CveItem{}, fmt.Errorf("received status code %d from NVD API", resp.StatusCode)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return CveItem{}, fmt.Errorf("failed to read response body: %w", err)
	}
	var nvdResp NVDResponse
	if err := json.Unmarshal(bodyBytes, &nvdResp); err != nil {
		return CveItem{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if len(nvdResp.Vulnerabilities) == 0 {
		return CveItem{}, fmt.Errorf("%w: %s", ErrNotFound, vid)
	}

	item := nvdResp.Vulnerabilities[0].CVE
	c.mu.Lock()
	c.cache[vid] = item
	c.mu.Unlock()
	return item, nil
}

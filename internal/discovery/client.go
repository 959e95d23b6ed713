package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/httpx"
)

// ProviderName labels ad-discovery errors and metrics.
const ProviderName = "ad_discovery"

// Job statuses reported by the provider.
const (
	JobReady     = "READY"
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobFailed    = "FAILED"
	JobAborted   = "ABORTED"
	JobTimedOut  = "TIMED-OUT"
)

const paginationTotalHeader = "X-Apify-Pagination-Total"

var errMissingJobID = errors.New("job response has no id")

// Job is the provider's view of a scrape job.
type Job struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

// Terminal reports whether the job will not change state again.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobSucceeded, JobFailed, JobAborted, JobTimedOut:
		return true
	default:
		return false
	}
}

type jobEnvelope struct {
	Data Job `json:"data"`
}

// actorInput is the scrape job input document.
type actorInput struct {
	Query              string             `json:"query"`
	MaxItems           int                `json:"maxItems"`
	Country            string             `json:"country"`
	Category           string             `json:"category"`
	ProxyConfiguration proxyConfiguration `json:"proxyConfiguration"`
}

type proxyConfiguration struct {
	UseApifyProxy    bool     `json:"useApifyProxy"`
	ApifyProxyGroups []string `json:"apifyProxyGroups,omitempty"`
}

// Page is one slice of the job's result dataset. Total is -1 when unknown.
// Malformed counts records that could not be decoded into a RawAd.
type Page struct {
	Items     []RawAd
	Malformed int
	Total     int
}

// Records is the number of dataset records the page covered.
func (p Page) Records() int {
	return len(p.Items) + p.Malformed
}

// Client speaks the provider's asynchronous job protocol.
type Client struct {
	http        *http.Client
	baseURL     string
	token       string
	actorID     string
	memoryMB    int
	proxyGroups []string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	Token       string
	ActorID     string
	MemoryMB    int
	ProxyGroups []string
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpx.NewClient(nil)
	}
	return &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		actorID:     strings.ReplaceAll(cfg.ActorID, "/", "~"),
		memoryMB:    cfg.MemoryMB,
		proxyGroups: cfg.ProxyGroups,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) decodeJob(req *http.Request) (Job, error) {
	resp, err := httpx.Do(c.http, req, ProviderName)
	if err != nil {
		return Job{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var env jobEnvelope
	if decodeErr := json.NewDecoder(resp.Body).Decode(&env); decodeErr != nil {
		return Job{}, httpx.ClassifyDecode(ProviderName, resp.StatusCode, fmt.Errorf("decode job: %w", decodeErr))
	}
	if env.Data.ID == "" {
		return Job{}, httpx.Classify(ProviderName, errMissingJobID)
	}
	return env.Data, nil
}

// Submit starts a scrape job for keyword.
func (c *Client) Submit(ctx context.Context, keyword string, maxItems int, country string, timeout time.Duration) (Job, error) {
	query := url.Values{}
	query.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	query.Set("build", "latest")
	if c.memoryMB > 0 {
		query.Set("memory", strconv.Itoa(c.memoryMB))
	}

	input := actorInput{
		Query:    keyword,
		MaxItems: maxItems,
		Country:  country,
		Category: "all",
		ProxyConfiguration: proxyConfiguration{
			UseApifyProxy:    true,
			ApifyProxyGroups: c.proxyGroups,
		},
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v2/acts/"+c.actorID+"/runs", query, input)
	if err != nil {
		return Job{}, err
	}
	return c.decodeJob(req)
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (Job, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		return Job{}, err
	}
	return c.decodeJob(req)
}

// Abort asks the provider to stop a job.
func (c *Client) Abort(ctx context.Context, jobID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/v2/actor-runs/"+url.PathEscape(jobID)+"/abort", nil, nil)
	if err != nil {
		return err
	}
	resp, err := httpx.Do(c.http, req, ProviderName)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Items fetches one page of the job's dataset.
func (c *Client) Items(ctx context.Context, datasetID string, offset, limit int) (Page, error) {
	query := url.Values{}
	query.Set("format", "json")
	query.Set("clean", "true")
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))

	req, err := c.newRequest(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(datasetID)+"/items", query, nil)
	if err != nil {
		return Page{}, err
	}

	resp, err := httpx.Do(c.http, req, ProviderName)
	if err != nil {
		return Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	page := Page{Total: -1}
	if header := resp.Header.Get(paginationTotalHeader); header != "" {
		if total, convErr := strconv.Atoi(header); convErr == nil {
			page.Total = total
		}
	}
	var records []json.RawMessage
	if decodeErr := json.NewDecoder(resp.Body).Decode(&records); decodeErr != nil {
		return Page{}, httpx.ClassifyDecode(ProviderName, resp.StatusCode, fmt.Errorf("decode dataset page: %w", decodeErr))
	}

	page.Items = make([]RawAd, 0, len(records))
	for _, record := range records {
		var ad RawAd
		if err := json.Unmarshal(record, &ad); err != nil {
			page.Malformed++
			continue
		}
		page.Items = append(page.Items, ad)
	}
	return page, nil
}

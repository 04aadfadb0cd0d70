package federation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/common"
	"github.com/sudocode-ai/sudocode/config"
)

// AttemptFunc observes one retry attempt of a peer call.
type AttemptFunc func(attempt int, err error)

// Client talks to federation peers over HTTP. Network and provider
// failures are retried with exponential backoff; every other error kind is
// surfaced verbatim.
type Client struct {
	logger *logrus.Entry
	http   *http.Client
	cfg    config.FederationConfig

	// OnRetry, when set, observes each failed attempt before the backoff
	// sleep. The external resilience layer hooks its circuit breaker here.
	OnRetry AttemptFunc
}

// NewClient creates a federation HTTP client.
func NewClient(logger *logrus.Entry, cfg config.FederationConfig) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger: logger.WithField("component", "federation-client"),
		http:   &http.Client{Timeout: timeout},
		cfg:    cfg,
	}
}

// FetchInfo GETs the peer's /federation/info.
func (c *Client) FetchInfo(repo RepoEndpoint) (*Capabilities, error) {
	var caps Capabilities
	err := c.withRetry("info", func() error {
		resp, err := c.http.Get(endpointOf(repo) + "/federation/info")
		if err != nil {
			return networkError("fetching federation info", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return providerError("federation info", resp)
		}
		return json.NewDecoder(resp.Body).Decode(&caps)
	})
	if err != nil {
		return nil, err
	}
	return &caps, nil
}

// Query POSTs a query envelope and returns the raw results.
func (c *Client) Query(repo RepoEndpoint, envelope *QueryEnvelope) ([]map[string]interface{}, error) {
	var reply struct {
		Results []map[string]interface{} `json:"results"`
	}
	err := c.withRetry("query", func() error {
		return c.postJSON(endpointOf(repo)+"/federation/query", envelope, &reply)
	})
	if err != nil {
		return nil, err
	}
	return reply.Results, nil
}

// Mutate POSTs a mutation envelope and returns the peer's reply.
func (c *Client) Mutate(repo RepoEndpoint, envelope *MutateEnvelope) (*MutateReply, error) {
	var reply MutateReply
	err := c.withRetry("mutate", func() error {
		return c.postJSON(endpointOf(repo)+"/federation/mutate", envelope, &reply)
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) postJSON(url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return networkError("calling "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return providerError(url, resp)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return common.NewError(common.KindAuth, "PEER_REJECTED",
			fmt.Sprintf("%s replied %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// withRetry runs fn with exponential backoff on retryable failures.
func (c *Client) withRetry(operation string, fn func() error) error {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := c.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !common.IsRetryable(err) || attempt == maxRetries {
			return err
		}
		if c.OnRetry != nil {
			c.OnRetry(attempt, err)
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
		}).Warn("Peer call failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// RepoEndpoint is the address slice of a peer record the client needs.
type RepoEndpoint interface {
	Endpoint() string
}

func endpointOf(repo RepoEndpoint) string {
	return strings.TrimSuffix(repo.Endpoint(), "/")
}

// networkError classifies transport-level failures (ECONNREFUSED,
// ETIMEDOUT, DNS) as retryable network faults.
func networkError(context string, err error) error {
	return common.WrapError(common.KindNetwork, "PEER_UNREACHABLE", context, err)
}

func providerError(context string, resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return common.NewError(common.KindProvider, "PEER_ERROR",
		fmt.Sprintf("%s replied %d: %s", context, resp.StatusCode,
			strings.TrimSpace(string(data))))
}

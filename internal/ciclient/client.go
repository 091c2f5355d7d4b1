// Package ciclient is an HTTP client for the CI provider: given a build
// number it fetches that build's step/action metadata, and given an
// output URL it fetches the raw log payload for one step.
package ciclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flakehunter/ciscan/internal/logging"
	"github.com/flakehunter/ciscan/internal/scanerrors"
)

// Client wraps the CI provider's HTTP API with a tuned transport: the
// coordinator fetches metadata and logs for many builds concurrently, and
// the default per-host idle-connection limit of 2 causes connection churn
// under that load.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient builds a client against baseURL (the CI provider's API root)
// with requestTimeout applied per-request.
func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		logger: logging.GetLogger("ciclient"),
	}
}

// Action is one attempt within a build step.
type Action struct {
	Failed    bool   `json:"failed"`
	Timedout  bool   `json:"timedout"`
	OutputURL string `json:"output_url"`
}

// Step is a named phase of a build.
type Step struct {
	Name    string   `json:"name"`
	Actions []Action `json:"actions"`
}

// BuildDocument is the subset of a CI build's record this engine consumes;
// unknown fields are ignored by encoding/json.
type BuildDocument struct {
	Steps []Step `json:"steps"`
}

// FailingStep returns the step containing the first action with
// Failed=true or Timedout=true, per the scan engine's one-step-per-build
// attribution rule. ok is false if no step has such an action (an
// idiopathic build).
func (d BuildDocument) FailingStep() (step Step, action Action, ok bool) {
	for _, s := range d.Steps {
		for _, a := range s.Actions {
			if a.Failed || a.Timedout {
				return s, a, true
			}
		}
	}
	return Step{}, Action{}, false
}

// BuildMetadata fetches and decodes the step/action document for a build.
func (c *Client) BuildMetadata(ctx context.Context, buildNum int64) (BuildDocument, error) {
	reqURL := fmt.Sprintf("%s/%d", c.baseURL, buildNum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return BuildDocument{}, scanerrors.NewNetworkError("build metadata request create", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BuildDocument{}, scanerrors.NewNetworkError("build metadata request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BuildDocument{}, scanerrors.NewNetworkError("build metadata read", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("build metadata fetch failed: build=%d status=%d body=%s", buildNum, resp.StatusCode, string(body))
		return BuildDocument{}, scanerrors.NewNetworkError("build metadata request", fmt.Errorf("status %d", resp.StatusCode))
	}

	var doc BuildDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return BuildDocument{}, scanerrors.NewDecodeError("build metadata decode", err)
	}
	return doc, nil
}

// logLine is one element of the log endpoint's payload array.
type logLine struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FetchLog downloads the raw log payload at outputURL and returns the
// canonical log text: the concatenation of every element's Message where
// Type == "out", in order, without separators.
func (c *Client) FetchLog(ctx context.Context, outputURL string) (string, error) {
	if outputURL == "" {
		return "", scanerrors.NewNoLogAvailable(0, "no output url on build step action")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return "", scanerrors.NewNetworkError("log request create", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", scanerrors.NewNetworkError("log request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", scanerrors.NewNetworkError("log response read", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", scanerrors.NewNoLogAvailable(0, "log endpoint returned 404")
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("log fetch failed: status=%d url=%s", resp.StatusCode, outputURL)
		return "", scanerrors.NewNetworkError("log request", fmt.Errorf("status %d", resp.StatusCode))
	}

	var lines []logLine
	if err := json.Unmarshal(body, &lines); err != nil {
		return "", scanerrors.NewDecodeError("log payload decode", err)
	}

	var sb strings.Builder
	for _, l := range lines {
		if l.Type == "out" {
			sb.WriteString(l.Message)
		}
	}
	return sb.String(), nil
}

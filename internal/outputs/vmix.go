package outputs

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// VMixConfig configures the vMix and text file outputs
type VMixConfig struct {
	Enabled           bool   `toml:"enabled"`
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	FileOutputEnabled bool   `toml:"file_output_enabled"`
	FileOutputDir     string `toml:"file_output_dir"`
}

// VMixClient sets title text through the vMix HTTP web API
type VMixClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewVMixClient creates a new vMix client
func NewVMixClient(cfg VMixConfig, log *logger.Logger) *VMixClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// vMix is usually on the same LAN; keep connections warm for rapid updates
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &VMixClient{
		baseURL: fmt.Sprintf("http://%s/api/", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: log.Named("vmix"),
	}
}

// Name identifies the sink in logs
func (c *VMixClient) Name() string { return "vmix" }

// Ping checks that the vMix API answers
func (c *VMixClient) Ping(ctx context.Context) error {
	return c.get(ctx, c.baseURL)
}

// SetText sets the first text field of a title input
func (c *VMixClient) SetText(ctx context.Context, input, text string) error {
	return c.Function(ctx, "SetText", url.Values{
		"Input":         {input},
		"SelectedIndex": {"0"},
		"Value":         {text},
	})
}

// Function calls an arbitrary vMix API function
func (c *VMixClient) Function(ctx context.Context, function string, params url.Values) error {
	q := url.Values{"Function": {function}}
	for k, v := range params {
		q[k] = v
	}
	return c.get(ctx, c.baseURL+"?"+q.Encode())
}

// Send implements Sink. Feeds without a title input are skipped.
func (c *VMixClient) Send(ctx context.Context, feedID, routingKey, text string) error {
	if routingKey == "" {
		return nil
	}
	if err := c.SetText(ctx, routingKey, text); err != nil {
		return fmt.Errorf("vmix SetText for feed %s: %w", feedID, err)
	}
	return nil
}

func (c *VMixClient) get(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vmix request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vmix returned status %d", resp.StatusCode)
	}
	return nil
}

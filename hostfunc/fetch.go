package hostfunc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxPackageSize = 16 << 20
	DefaultRequestTimeout = 60 * time.Second
)

// FetchConfig limits remote package downloads.
type FetchConfig struct {
	AllowedHosts   []string // empty allows any host
	MaxSize        int64
	MaxURLLength   int
	RequestTimeout time.Duration
	Client         *http.Client
}

type fetcher struct {
	cfg    FetchConfig
	client *http.Client
}

func newFetcher(cfg FetchConfig) *fetcher {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxPackageSize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &fetcher{cfg: cfg, client: client}
}

func (f *fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if len(rawURL) > f.cfg.MaxURLLength {
		return nil, fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https")
	}
	if host := parsed.Hostname(); !f.hostAllowed(host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxSize {
		return nil, fmt.Errorf("package exceeds %d bytes", f.cfg.MaxSize)
	}
	return body, nil
}

func (f *fetcher) hostAllowed(host string) bool {
	if len(f.cfg.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range f.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

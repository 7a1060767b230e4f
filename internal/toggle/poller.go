package toggle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MrWong99/voxctl/internal/observe"
)

// Source fetches a raw toggle document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads the toggle document from a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s FileSource) String() string { return "file:" + s.Path }

// maxRemoteSize caps remote toggle documents.
const maxRemoteSize = 1 << 20

// HTTPSource fetches the toggle document with a GET request.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/yaml, application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("toggle: %s: unexpected status %s", s.URL, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize))
}

func (s HTTPSource) String() string { return s.URL }

// Poller periodically fetches a [Source] and applies changed documents to a
// [Manager]. Unchanged documents (same SHA-256) are skipped; invalid ones are
// logged and the previous configuration is kept.
type Poller struct {
	src      Source
	mgr      *Manager
	interval time.Duration
	metrics  *observe.Metrics

	lastHash [sha256.Size]byte
	loaded   bool
}

// PollerOption configures a [Poller].
type PollerOption func(*Poller)

// WithPollInterval sets the polling interval. Default: 30s.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollerMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithPollerMetrics(m *observe.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a Poller for src feeding mgr.
func NewPoller(src Source, mgr *Manager, opts ...PollerOption) *Poller {
	p := &Poller{src: src, mgr: mgr, interval: 30 * time.Second}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Poll fetches once and applies the document if it changed. It reports
// whether a new configuration was applied. Poll is not safe for concurrent
// use; Run calls it from a single goroutine.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	data, err := p.src.Fetch(ctx)
	if err != nil {
		p.metrics.RecordConfigReload(ctx, "toggles", "error")
		return false, fmt.Errorf("toggle: fetch %s: %w", p.src, err)
	}
	hash := sha256.Sum256(data)
	if p.loaded && hash == p.lastHash {
		return false, nil
	}
	cfg, err := LoadConfig(bytes.NewReader(data))
	if err != nil {
		p.metrics.RecordConfigReload(ctx, "toggles", "invalid")
		return false, fmt.Errorf("toggle: load %s: %w", p.src, err)
	}
	if err := p.mgr.ApplyConfig(cfg); err != nil {
		p.metrics.RecordConfigReload(ctx, "toggles", "invalid")
		return false, err
	}
	p.lastHash = hash
	p.loaded = true
	p.metrics.RecordConfigReload(ctx, "toggles", "applied")
	return true, nil
}

// Run polls immediately and then every interval until ctx is cancelled.
// Fetch and validation failures are logged, never returned, so Run can live
// inside an errgroup.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("toggle poller: keeping previous configuration", "source", p.src.String(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

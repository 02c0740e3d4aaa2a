package httpsender

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	outbox "github.com/velmie/chatoutbox"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeInterval sets the time between health checks.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeTimeout bounds a single health check.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProbeClient replaces the default HTTP client.
func WithProbeClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		if client != nil {
			p.client = client
		}
	}
}

// WithProbeLogger sets the logger for connectivity transitions.
func WithProbeLogger(logger outbox.Logger) ProberOption {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Prober polls a health endpoint and publishes reachability changes.
// Pass Changes to outbox.WithConnectivity.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	timeout  time.Duration
	logger   outbox.Logger

	changes chan bool

	mu     sync.Mutex
	known  bool
	last   bool
	closed bool
}

// NewProber creates a Prober for the health URL.
func NewProber(healthURL string, opts ...ProberOption) (*Prober, error) {
	if err := validateURL(healthURL); err != nil {
		return nil, err
	}

	p := &Prober{
		client:   &http.Client{},
		url:      healthURL,
		interval: defaultProbeInterval,
		timeout:  defaultProbeTimeout,
		logger:   outbox.NopLogger{},
		changes:  make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Changes reports reachability transitions. It holds at most the latest
// unread value and is closed when Run returns.
func (p *Prober) Changes() <-chan bool {
	return p.changes
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	defer p.close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one health check and publishes the result if it changed.
// Any response below 500 counts as reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	reachable := p.check(ctx)
	if ctx.Err() != nil {
		return reachable
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return reachable
	}
	changed := !p.known || p.last != reachable
	p.known = true
	p.last = reachable
	if changed {
		p.publishLocked(reachable)
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("outbox connectivity changed", "online", reachable, "url", p.url)
	}

	return reachable
}

func (p *Prober) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.changes)
	}
}

func (p *Prober) publishLocked(reachable bool) {
	select {
	case <-p.changes:
	default:
	}
	p.changes <- reachable
}

func (p *Prober) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("outbox health check failed", "err", err)

		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	return resp.StatusCode < http.StatusInternalServerError
}

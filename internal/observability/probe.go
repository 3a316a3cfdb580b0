package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/daimoniac/servicekit/internal/config"
)

// ProbeTimeout bounds the scrape performed by Probe
const ProbeTimeout = 2 * time.Second

// ProbeReport is printed by the healthcheck command
type ProbeReport struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Env       string `json:"env"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// OK reports whether the probe passed
func (r ProbeReport) OK() bool {
	return r.Status == "ok"
}

// Prober scrapes the local metrics endpoint and checks loop freshness
type Prober struct {
	cfg    *config.Config
	client *http.Client
	url    string
	now    func() time.Time
}

// ProberOption configures a Prober
type ProberOption func(*Prober)

// WithProbeURL overrides the scraped URL
func WithProbeURL(url string) ProberOption {
	return func(p *Prober) {
		p.url = url
	}
}

// WithProbeClock overrides the clock used for the age computation
func WithProbeClock(now func() time.Time) ProberOption {
	return func(p *Prober) {
		p.now = now
	}
}

// NewProber creates a prober for the process described by cfg
func NewProber(cfg *config.Config, opts ...ProberOption) *Prober {
	p := &Prober{
		cfg:    cfg,
		client: &http.Client{Timeout: ProbeTimeout},
		url:    fmt.Sprintf("http://127.0.0.1:%d/metrics", cfg.MetricsPort),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run performs the probe. With metrics disabled the probe is skipped and
// reports ok.
func (p *Prober) Run(ctx context.Context) ProbeReport {
	report := ProbeReport{
		Status:    "ok",
		Service:   p.cfg.ServiceName,
		Env:       p.cfg.Env,
		Version:   p.cfg.Version,
		Commit:    p.cfg.Commit,
		Timestamp: p.now().UTC().Format("2006-01-02T15:04:05Z"),
	}

	if err := p.check(ctx); err != nil {
		report.Status = "error"
		report.Error = err.Error()
	}
	return report
}

func (p *Prober) check(ctx context.Context) error {
	if !p.cfg.MetricsEnabled {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("cannot reach metrics endpoint: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach metrics endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cannot reach metrics endpoint: status %d", resp.StatusCode)
	}

	last, err := ParseLastIterationTimestamp(resp.Body)
	if err != nil {
		return err
	}

	age := unixSeconds(p.now()) - last
	maxAge := MaxIterationAge(p.cfg.LoopSleep()).Seconds()
	if age > maxAge {
		return fmt.Errorf("last iteration too old: age=%.1fs, max=%.1fs", age, maxAge)
	}
	return nil
}

// ParseLastIterationTimestamp extracts app_last_iteration_timestamp_seconds
// from a text exposition
func ParseLastIterationTimestamp(r io.Reader) (float64, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return 0, fmt.Errorf("parse metrics: %w", err)
	}

	family, ok := families[MetricLastIterationTimestamp]
	if !ok || len(family.GetMetric()) == 0 {
		return 0, fmt.Errorf("metric %s not found", MetricLastIterationTimestamp)
	}

	metric := family.GetMetric()[0]
	switch {
	case metric.GetGauge() != nil:
		return metric.GetGauge().GetValue(), nil
	case metric.GetUntyped() != nil:
		return metric.GetUntyped().GetValue(), nil
	}
	return 0, fmt.Errorf("metric %s has unexpected type %s", MetricLastIterationTimestamp, family.GetType())
}

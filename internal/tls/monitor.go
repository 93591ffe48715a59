package tls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-mq/internal/keystore"
)

// Expiry status levels reported by the monitor.
const (
	ExpiryOK       = "OK"
	ExpiryWarning  = "WARNING"
	ExpiryCritical = "CRITICAL"
	ExpiryExpired  = "EXPIRED"
)

// CertificateStatus describes the serving certificate at one check.
type CertificateStatus struct {
	Subject         string
	Issuer          string
	Fingerprint     string
	NotAfter        time.Time
	DaysUntilExpiry int
	Status          string
	LastChecked     time.Time
}

// ExpiryMonitor periodically checks the listener's serving certificate and
// warns as it approaches expiry.
type ExpiryMonitor struct {
	source  func() *keystore.Material
	metrics *MetricsCollector
	logger  *slog.Logger

	checkInterval time.Duration
	warningDays   []int

	mu         sync.Mutex
	lastWarned map[string]time.Time
	running    bool
	stop       chan struct{}
	wg         sync.WaitGroup
	now        func() time.Time
}

// NewExpiryMonitor watches whatever material source returns at each check,
// typically Listener.Credentials.
func NewExpiryMonitor(source func() *keystore.Material, metrics *MetricsCollector, logger *slog.Logger) *ExpiryMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryMonitor{
		source:        source,
		metrics:       metrics,
		logger:        logger.With("component", "tls"),
		checkInterval: time.Hour,
		warningDays:   []int{30, 7, 1},
		lastWarned:    make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetCheckInterval sets the interval between checks. Call before Start.
func (m *ExpiryMonitor) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkInterval = interval
}

// Start runs an immediate check and then checks on every interval until ctx
// ends or Stop is called.
func (m *ExpiryMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.loop(ctx, m.checkInterval, m.stop)
}

// Stop ends monitoring and waits for the loop to exit.
func (m *ExpiryMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *ExpiryMonitor) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer m.wg.Done()

	m.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check inspects the current serving certificate, records its expiry and
// logs a warning at most once a day per certificate once it is inside the
// warning window.
func (m *ExpiryMonitor) Check(ctx context.Context) *CertificateStatus {
	material := m.source()
	if material == nil {
		return nil
	}

	leaf := material.Leaf()
	now := m.now()
	days := int(leaf.NotAfter.Sub(now).Hours() / 24)

	status := &CertificateStatus{
		Subject:         leaf.Subject.String(),
		Issuer:          leaf.Issuer.String(),
		Fingerprint:     material.Fingerprint(),
		NotAfter:        leaf.NotAfter,
		DaysUntilExpiry: days,
		LastChecked:     now,
	}
	switch {
	case !now.Before(leaf.NotAfter):
		status.Status = ExpiryExpired
	case days <= 1:
		status.Status = ExpiryCritical
	case days <= 7:
		status.Status = ExpiryWarning
	default:
		status.Status = ExpiryOK
	}

	if m.metrics != nil {
		m.metrics.RecordExpiry(ctx, leaf)
	}
	m.maybeWarn(ctx, status)
	return status
}

func (m *ExpiryMonitor) maybeWarn(ctx context.Context, status *CertificateStatus) {
	inWindow := status.Status == ExpiryExpired
	for _, d := range m.warningDays {
		if status.DaysUntilExpiry <= d {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return
	}

	m.mu.Lock()
	last, seen := m.lastWarned[status.Fingerprint]
	if seen && status.LastChecked.Sub(last) < 24*time.Hour {
		m.mu.Unlock()
		return
	}
	m.lastWarned[status.Fingerprint] = status.LastChecked
	m.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("event", "certificate_expiry"),
		slog.String("subject", status.Subject),
		slog.String("issuer", status.Issuer),
		slog.Time("expires_on", status.NotAfter),
		slog.Int("days_remaining", status.DaysUntilExpiry),
		slog.String("status", status.Status),
	}
	switch status.Status {
	case ExpiryExpired:
		m.logger.LogAttrs(ctx, slog.LevelError, "Serving certificate has expired", attrs...)
	case ExpiryCritical:
		m.logger.LogAttrs(ctx, slog.LevelError, "Serving certificate expires within a day", attrs...)
	default:
		m.logger.LogAttrs(ctx, slog.LevelWarn, "Serving certificate expires soon", attrs...)
	}
}

// Package daemon wires every component — config, registry, orchestrator,
// health supervisor, idle reaper, IPC server, metrics — into one running
// process, mirroring the separation the teacher keeps between its cmd
// entrypoint and its server package.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/config"
	"github.com/hrygo/assistantd/internal/contacts"
	"github.com/hrygo/assistantd/internal/health"
	"github.com/hrygo/assistantd/internal/history"
	"github.com/hrygo/assistantd/internal/idlereaper"
	"github.com/hrygo/assistantd/internal/ipc"
	"github.com/hrygo/assistantd/internal/metrics"
	"github.com/hrygo/assistantd/internal/orchestrator"
	"github.com/hrygo/assistantd/internal/registry"
)

const (
	fastHealthTickInterval = 60 * time.Second
	deepHealthTickInterval = 5 * time.Minute
)

// Daemon owns every long-running component and their lifecycle.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	reg    *registry.Registry
	orch   *orchestrator.Orchestrator
	health *health.Supervisor
	reaper *idlereaper.Reaper
	ipcSrv *ipc.Server
	metricsReg *prometheus.Registry

	contactsDB *contacts.Directory
	historyDB  *history.Store
}

// New builds every component but starts nothing yet.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: mkdir data dir: %w", err)
	}

	reg, err := registry.Open(cfg.RegistryPath, logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: open registry: %w", err)
	}

	var contactsDir *contacts.Directory
	if _, statErr := os.Stat(cfg.ContactsDBPath); statErr == nil {
		contactsDir, err = contacts.Open(cfg.ContactsDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("daemon: contacts db open failed, group admission will reject unknowns only")
		}
	}

	var historyStore *history.Store
	if _, statErr := os.Stat(cfg.HistoryDBPath); statErr == nil {
		historyStore, err = history.Open(cfg.HistoryDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("daemon: history db open failed, reply-chain expansion disabled")
		}
	}

	newAdapter := func() agentproc.Adapter {
		return agentproc.NewExecAdapter(cfg.AgentBinary, logger)
	}

	sessionsDir := filepath.Join(cfg.DataDir, "sessions")
	var contactsIface orchestrator.Contacts = noopContacts{}
	if contactsDir != nil {
		contactsIface = contactsDir
	}
	var historyIface orchestrator.History = noopHistory{}
	if historyStore != nil {
		historyIface = historyStore
	}

	orch := orchestrator.New(reg, contactsIface, historyIface, nil, staticContextSources{owner: cfg.Owner.Name}, newAdapter, sessionsDir, logger)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	orch = orch.WithMetrics(m)
	reg.OnFlush = m.ObserveFlush

	sup := health.New(fileTranscriptReader{sessionsDir: sessionsDir}, noopClassifier{}, logger)
	sup.OnRestart = func(tierScan, chatID string) {
		logger.Warn().Str("scan", tierScan).Str("chat_id", chatID).Msg("daemon: health supervisor restarting session")
		m.ObserveHealthRestart(tierScan)
		if _, err := orch.RestartSession(context.Background(), parseChatID(chatID), nil); err != nil {
			logger.Error().Err(err).Str("chat_id", chatID).Msg("daemon: health-triggered restart failed")
		}
	}

	maxIdle := time.Duration(cfg.MaxIdleMinutes) * time.Minute
	reaper := idlereaper.New(orch, maxIdle, logger)

	ipcHandler := orchestrator.NewIPCHandler(orch)
	ipcSrv, err := ipc.Listen(cfg.SocketPath, ipcHandler, logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: listen ipc: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		reg:        reg,
		orch:       orch,
		health:     sup,
		reaper:     reaper,
		ipcSrv:     ipcSrv,
		metricsReg: promReg,
		contactsDB: contactsDir,
		historyDB:  historyStore,
	}, nil
}

// Orchestrator exposes the running orchestrator to the ingress layer.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Run blocks, driving the health-check ticker, idle reaper, IPC server,
// and metrics endpoint until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	go d.reaper.Run(ctx)
	go d.ipcSrv.Serve(ctx)
	go d.serveMetrics(ctx)
	go d.fastHealthLoop(ctx)
	go d.deepHealthLoop(ctx)

	<-ctx.Done()
}

func (d *Daemon) serveMetrics(ctx context.Context) {
	if d.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.metricsReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.logger.Warn().Err(err).Msg("daemon: metrics server stopped")
	}
}

// fastHealthLoop runs the Tier 1 regex-based scan every 60s.
func (d *Daemon) fastHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(fastHealthTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.health.FastHealthCheck(d.sessionViews())
		}
	}
}

// deepHealthLoop runs the Tier 2 classifier pass every 5 minutes. It
// doesn't need a same-cycle skip set from the fast loop: Supervisor's own
// recently-healed TTL already excludes anything Tier 1 just restarted.
func (d *Daemon) deepHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(deepHealthTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.health.DeepHealthCheck(ctx, d.sessionViews(), nil)
		}
	}
}

func (d *Daemon) sessionViews() []health.SessionView {
	snapshot := d.orch.Snapshot()
	views := make([]health.SessionView, len(snapshot))
	for i, s := range snapshot {
		views[i] = s
	}
	return views
}

// Shutdown gracefully drains every session (§4.7) and releases resources.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.orch.Shutdown(ctx, nil)
	_ = d.ipcSrv.Close()
	if d.contactsDB != nil {
		_ = d.contactsDB.Close()
	}
	if d.historyDB != nil {
		_ = d.historyDB.Close()
	}
}

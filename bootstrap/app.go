// Package bootstrap wires configuration, storage, detection, and response
// into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sentinel/api"
	"sentinel/config"
	"sentinel/core"
	"sentinel/detect"
	"sentinel/ml"
	"sentinel/notify"
	"sentinel/profile"
	"sentinel/ratelimit"
	"sentinel/reputation"
	"sentinel/respond"
	"sentinel/storage"
)

// App holds every long-lived component of the service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Counters *core.CounterStore
	DB       *storage.SQLite

	Detector   *detect.Engine
	MLDetector *detect.MLAnomalyDetector
	Incidents  *respond.IncidentEngine
	Executor   *respond.Executor
	Notifier   *notify.Notifier
	APIServer  *api.API

	suspiciousIPs *detect.SuspiciousIPDetector

	serviceWg  sync.WaitGroup
	cancelCtx  context.CancelFunc
	shutdownMu sync.Mutex
	shutdown   bool
}

// NewApp builds the application from configuration. Nothing is started yet;
// call Start afterwards.
func NewApp(configFile string) (*App, error) {
	logger, sugar := InitLogger()
	app := &App{Logger: logger, Sugar: sugar}

	sugar.Info("Sentinel starting...")

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Counters = core.NewCounterStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)

	db, err := storage.NewSQLite(cfg.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.DB = db

	if err := app.initDetection(); err != nil {
		return nil, err
	}
	if err := app.initResponse(); err != nil {
		return nil, err
	}
	app.initAPI()

	return app, nil
}

func (a *App) initDetection() error {
	cfg := a.Config

	profiles, err := profile.NewStore(a.Counters, a.Sugar)
	if err != nil {
		return fmt.Errorf("init profile store: %w", err)
	}

	var repSource reputation.Source
	if cfg.Detectors.SuspiciousIP.ReputationURL != "" {
		src := reputation.NewHTTPSource(cfg.Detectors.SuspiciousIP.ReputationURL, cfg.Detectors.SuspiciousIP.APIKey, a.Sugar)
		repSource = reputation.NewCachedSource(src, cfg.Detectors.SuspiciousIP.CacheSize, cfg.Detectors.SuspiciousIP.CacheTTL, a.Sugar)
	}

	forest := ml.NewIsolationForest(ml.IsolationForestConfig{
		Contamination: cfg.Detectors.ML.Contamination,
		Logger:        a.Sugar,
	})
	a.MLDetector = detect.NewMLAnomalyDetector(forest,
		cfg.Detectors.ML.MinSamples, cfg.Detectors.ML.MaxSamples,
		cfg.Detectors.ML.RetrainInterval, a.Sugar)

	suspicious := detect.NewSuspiciousIPDetector(cfg.Detectors.SuspiciousIP.Denylist, repSource,
		cfg.Detectors.SuspiciousIP.HighThreshold, cfg.Detectors.SuspiciousIP.MediumThreshold, a.Sugar)
	a.suspiciousIPs = suspicious

	detectors := []detect.Detector{
		detect.NewBruteForceDetector(a.Counters, cfg.Detectors.BruteForce.Threshold, cfg.Detectors.BruteForce.Window, a.Sugar),
		detect.NewRateLimitAbuseDetector(a.Counters, cfg.Detectors.RateLimitAbuse.Threshold, cfg.Detectors.RateLimitAbuse.Window, a.Sugar),
		suspicious,
		detect.NewAnomalousBehaviorDetector(profiles, a.Sugar),
		a.MLDetector,
	}

	a.Detector = detect.NewEngine(detectors, a.DB, a.DB, cfg.Detectors.Timeout, a.Sugar)
	return nil
}

func (a *App) initResponse() error {
	cfg := a.Config

	a.Notifier = notify.NewNotifier(a.buildChannels(), a.Sugar)

	a.Incidents = respond.NewIncidentEngine(a.DB, a.DB, a.DB, a.DB,
		cfg.Responder.DefaultTimeout, cfg.Responder.DefaultMaxRetries, a.Sugar)

	// Every detected threat is offered to the incident engine; it decides
	// which ones warrant an incident.
	allTypes := []core.ThreatType{
		core.ThreatBruteForce, core.ThreatSuspiciousIP, core.ThreatRateLimitAbuse,
		core.ThreatAnomalousBehavior, core.ThreatPrivilegeEscalation,
		core.ThreatDataExfiltration, core.ThreatMLAnomaly,
	}
	a.Detector.RegisterCallback(allTypes, func(ctx context.Context, threat *core.ThreatEvent) error {
		_, err := a.Incidents.HandleThreat(ctx, threat)
		return err
	})

	executors := []respond.ActionExecutor{
		respond.NewBlockIPExecutor(a.suspiciousIPs, a.Counters, a.Sugar),
		respond.NewSuspendUserExecutor(a.Counters, a.Sugar),
		respond.NewRevokeTokensExecutor(a.Counters, a.Sugar),
		respond.NewSendAlertExecutor(a.Notifier, a.Sugar),
		respond.NewWebhookExecutor(a.Sugar),
	}
	a.Executor = respond.NewExecutor(a.DB, a.DB, executors,
		cfg.Responder.PollInterval, cfg.Responder.SweepInterval,
		cfg.Responder.MaxConcurrent, a.Sugar)

	if cfg.Responder.PlaybookDir != "" {
		if err := a.loadPlaybooks(cfg.Responder.PlaybookDir); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildChannels() []notify.Channel {
	cfg := a.Config
	var channels []notify.Channel
	if cfg.Notify.Email.Enabled {
		channels = append(channels, notify.NewEmailChannel(
			cfg.Notify.Email.SMTPHost, cfg.Notify.Email.SMTPPort,
			cfg.Notify.Email.Username, cfg.Notify.Email.Password,
			cfg.Notify.Email.FromAddress, cfg.Notify.Email.ToAddresses, a.Sugar))
	}
	if cfg.Notify.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookChannel(
			cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Method, cfg.Notify.Webhook.Headers, a.Sugar))
	}
	if cfg.Notify.Pager.Enabled {
		channels = append(channels, notify.NewPagerChannel(
			cfg.Notify.Pager.URL, cfg.Notify.Pager.APIKey, a.Sugar))
	}
	return channels
}

// loadPlaybooks loads YAML playbooks from disk into storage. Playbooks that
// already exist are updated in place so file edits take effect on restart.
func (a *App) loadPlaybooks(dir string) error {
	playbooks, err := respond.LoadPlaybookDir(dir, a.Sugar)
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}
	ctx := context.Background()
	for _, pb := range playbooks {
		if err := a.DB.SavePlaybook(ctx, pb); err != nil {
			if err := a.DB.UpdatePlaybook(ctx, pb); err != nil {
				return fmt.Errorf("store playbook %s: %w", pb.ID, err)
			}
		}
	}
	a.Sugar.Infow("Playbooks loaded", "count", len(playbooks), "dir", dir)
	return nil
}

func (a *App) initAPI() {
	cfg := a.Config
	limiter := ratelimit.New(a.Counters, cfg.RateLimit.FailOpen, cfg.RateLimit.FallbackBurst, a.Sugar)
	a.APIServer = api.NewAPI(a.Detector, a.Incidents, a.DB, limiter,
		cfg.API.RateLimit.Limit, cfg.API.RateLimit.Window, a.healthCheck, a.Sugar)
}

func (a *App) healthCheck(ctx context.Context) error {
	if err := a.DB.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if err := a.Counters.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Start launches the action executor, the model retrain loop, and the API
// server. It returns once the listener is up; fatal listener errors arrive
// on the returned channel.
func (a *App) Start() <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelCtx = cancel

	a.Executor.Start(ctx)
	a.startRetrainLoop(ctx)

	errCh := make(chan error, 1)
	addr := fmt.Sprintf("%s:%d", a.Config.API.Host, a.Config.API.Port)
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.APIServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// startRetrainLoop periodically offers the anomaly model a chance to retrain
// on the buffered sample window.
func (a *App) startRetrainLoop(ctx context.Context) {
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.MLDetector.MaybeRetrain(ctx); err != nil {
					a.Sugar.Errorw("Model retrain failed", "error", err)
				}
			}
		}
	}()
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops all components in dependency order. Safe to call more than
// once.
func (a *App) Shutdown() {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.Sugar.Info("Shutting down...")

	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	// Let in-flight actions finish before pulling the context.
	if a.Executor != nil {
		a.Executor.Stop()
	}
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Sugar.Errorw("Failed to close storage", "error", err)
		}
	}
	if a.Counters != nil {
		if err := a.Counters.Close(); err != nil {
			a.Sugar.Errorw("Failed to close counter store", "error", err)
		}
	}
	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

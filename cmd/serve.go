package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/bisectd/bisectd/internal/bisect"
	"github.com/bisectd/bisectd/internal/config"
	"github.com/bisectd/bisectd/internal/crypt"
	"github.com/bisectd/bisectd/internal/forge"
	"github.com/bisectd/bisectd/internal/sandbox"
	"github.com/bisectd/bisectd/internal/scheduler"
	"github.com/bisectd/bisectd/internal/security"
	"github.com/bisectd/bisectd/internal/server"
	"github.com/bisectd/bisectd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one bisectd instance (webhook ingress + job executor)",
	Long: `Run one bisectd instance.

Every instance both ingests webhooks and executes jobs; instances are fungible
and coordinate through the shared job store. Configuration comes from the
environment (see the project README); an invalid configuration exits non-zero
before anything starts. SIGTERM drains in-flight jobs and exits cleanly.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()

		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Invalid configuration - %v", err)
		}

		if err := serve(cfg, log); err != nil {
			log.Fatalf("Instance failed - %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds the root logger: prefixed formatter wrapped in the
// credential redactor. Every component logs through this.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&security.RedactingFormatter{Next: &prefixed.TextFormatter{
		FullTimestamp: true,
	}})

	switch {
	case verbosity <= 0:
		log.SetLevel(logrus.InfoLevel)
	case verbosity == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}

// workerIdentity derives the stable id of this instance-lifetime. It embeds
// the start time, so a restarted instance never collides with rows its
// predecessor left behind.
func workerIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().Unix())
}

func serve(cfg *config.Config, log *logrus.Logger) error {
	workerID := workerIdentity()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cipher *crypt.Cipher
	if cfg.EncryptionKey != "" {
		var err error
		if cipher, err = crypt.NewCipher(cfg.EncryptionKey); err != nil {
			return err
		}
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, store.Options{
		PendingGrace:   cfg.PendingGrace,
		HeartbeatStale: cfg.HeartbeatStale,
		Cipher:         cipher,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	forgeClient, err := forge.NewAppClient(cfg.ForgeAppID, cfg.ForgePrivateKey, log)
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg, log)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o700); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	logStartupDiagnostics(ctx, cfg, log, workerID, runner)

	executor := &bisect.Executor{
		Store:               st,
		Forge:               forgeClient,
		Runner:              runner,
		WorkerID:            workerID,
		WorkspaceRoot:       cfg.WorkspaceRoot,
		BisectTimeout:       cfg.BisectTimeout,
		ProgressMinInterval: cfg.ProgressMinInterval,
		SkipRetries:         2,
		Log:                 log,
	}

	sched := scheduler.New(st, executor, forgeClient, scheduler.Config{
		WorkerID:          workerID,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RecoveryInterval:  cfg.RecoveryInterval,
		DrainTimeout:      cfg.DrainTimeout,
	}, log)

	srv := server.New(st, forgeClient, runner, workerID, cfg.ForgeWebhookSecret, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	select {
	case <-ctx.Done():
		log.Infof("[%s] Shutdown signal received, draining...", workerID)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			stop()
			<-schedDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop taking new webhooks, then wait for the scheduler's drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown incomplete - %v", err)
	}
	<-schedDone

	log.Infof("[%s] Shutdown complete", workerID)
	return nil
}

// newRunner builds the configured sandbox backend.
func newRunner(cfg *config.Config, log *logrus.Logger) (sandbox.Runner, error) {
	limits := sandbox.DefaultLimits()
	if cfg.SandboxProfilePath != "" {
		file, err := os.Open(cfg.SandboxProfilePath)
		if err != nil {
			return nil, fmt.Errorf("open sandbox profile: %w", err)
		}
		defer file.Close()
		if limits, err = sandbox.GetLimitsFromConfig(file); err != nil {
			return nil, err
		}
	}

	switch cfg.SandboxBackend {
	case "exec":
		log.Warn("Using the exec sandbox backend: probes run without container isolation")
		return sandbox.NewExecRunner(log), nil
	default:
		return sandbox.NewDockerRunner(cfg.SandboxImage, limits, log), nil
	}
}

// logStartupDiagnostics surfaces configuration problems before the first job.
func logStartupDiagnostics(ctx context.Context, cfg *config.Config, log *logrus.Logger, workerID string, runner sandbox.Runner) {
	log.Infof("Worker id: %s", workerID)
	log.Infof("Max concurrent jobs: %d", cfg.MaxConcurrentJobs)
	log.Infof("Bisect timeout: %v", cfg.BisectTimeout)
	log.Infof("Sandbox: %s (image %s)", cfg.SandboxBackend, cfg.SandboxImage)
	if u, err := url.Parse(cfg.DatabaseURL); err == nil {
		log.Infof("Job store: %s", u.Redacted())
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := runner.Ping(pingCtx); err != nil {
		log.Warnf("Sandbox not available, jobs will fail until it is - %v", err)
	}
}

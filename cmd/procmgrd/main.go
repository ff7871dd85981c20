// procmgrd - Entry Point
//
// procmgrd is a small privileged daemon that lets local clients adjust the
// scheduling of other processes (niceness, CPU affinity, scheduling class)
// and take short sched_switch captures through ftrace. It listens on a Unix
// domain socket and serves one request per connection.
//
// Configuration is loaded from /etc/procmgr/config.yaml (or the path given by
// -config), with PROCMGR_* environment overrides.
//
// Lifecycle:
//  1. Load configuration and set up the JSON logger
//  2. Refuse to start without root
//  3. Drop every bounding-set capability except setuid, setgid and sys_nice
//  4. Locate tracefs and open the audit journal
//  5. Create the socket (replacing a stale one) and apply its permissions
//  6. Notify systemd that the service is ready and start the watchdog
//  7. Serve until a shutdown command or SIGTERM/SIGINT
//  8. Notify systemd that the service is stopping and release resources
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doughall/procmgr/internal/audit"
	"github.com/doughall/procmgr/internal/capabilities"
	"github.com/doughall/procmgr/internal/config"
	"github.com/doughall/procmgr/internal/daemon"
	"github.com/doughall/procmgr/internal/ftrace"
	"github.com/doughall/procmgr/internal/logging"
	"github.com/doughall/procmgr/internal/proc"
	"github.com/doughall/procmgr/internal/shutdown"
	"github.com/doughall/procmgr/internal/systemd"
	"github.com/doughall/procmgr/internal/version"
)

// How long resource release may take after the accept loop ends.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this path and exit")
	showAudit := flag.Int("audit", 0, "print the N most recent audit records as JSON lines and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("procmgrd"))
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *showAudit > 0 {
		if err := printAudit(os.Stdout, cfg.AuditPath, *showAudit); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "procmgrd: must be run as root")
		os.Exit(1)
	}

	logger := logging.SetupLogger(cfg.LogLevel)
	logger.Info("procmgrd starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.String("socket_path", cfg.SocketPath),
		slog.Bool("systemd", systemd.UnderSystemd()),
	)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *slog.Logger) int {
	dropper := capabilities.NewDropper(nil, logger)
	kept, err := dropper.Drop()
	if err != nil {
		logger.Error("failed to drop capabilities", slog.String("error", err.Error()))
		return 1
	}
	if err := dropper.Verify(); err != nil {
		logger.Error("capability bounding set verification failed", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("capabilities dropped", slog.String("kept", capabilities.Names(kept)))

	mode, err := cfg.Mode()
	if err != nil {
		logger.Error("invalid socket mode", slog.String("error", err.Error()))
		return 1
	}

	coordinator := shutdown.NewCoordinator(logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coordinator.Shutdown(ctx); err != nil {
			logger.Error("shutdown completed with errors", slog.String("error", err.Error()))
		}
	}()

	controller := proc.NewController(logger, proc.WithAffinityMissingOK(cfg.AffinityMissingOK))
	d := daemon.New(daemon.Options{
		SocketPath:      cfg.SocketPath,
		SocketMode:      mode,
		SocketGroup:     cfg.SocketGroup,
		MaxRequestBytes: cfg.MaxRequestBytes,
		RequestTimeout:  cfg.RequestTimeout(),
		WriteTimeout:    cfg.WriteTimeout(),
		MaxTrace:        cfg.MaxTrace(),
	}, controller, newSampler(cfg, logger), logger)

	if cfg.AuditPath != "" {
		journal, err := audit.Open(cfg.AuditPath, cfg.AuditMaxEntries)
		if err != nil {
			logger.Warn("audit journal unavailable, commands will only be logged",
				slog.String("path", cfg.AuditPath),
				slog.String("error", err.Error()),
			)
		} else {
			d.SetJournal(journal)
			coordinator.Register("audit", shutdown.Func(journal.Close))
		}
	}

	if err := d.Init(); err != nil {
		logger.Error("failed to initialize listener", slog.String("error", err.Error()))
		return 1
	}
	coordinator.Register("listener", d)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	notifier := systemd.NewNotifier(logger)
	notifier.Ready("listening on " + cfg.SocketPath)
	notifier.StartWatchdog(ctx, d.Healthy)

	if err := d.Serve(ctx); err != nil {
		logger.Error("serve failed", slog.String("error", err.Error()))
		notifier.Stopping()
		return 1
	}

	logger.Info("procmgrd stopping")
	notifier.Stopping()
	return 0
}

// newSampler returns nil when tracefs cannot be found; ftrace requests then
// fail with an error status while everything else keeps working.
func newSampler(cfg *config.Config, logger *slog.Logger) daemon.TraceSampler {
	root := cfg.TracingDir
	if root == "" {
		var err error
		root, err = ftrace.DetectRoot(ftrace.DefaultRoots)
		if err != nil {
			logger.Warn("ftrace disabled", slog.String("error", err.Error()))
			return nil
		}
	}
	logger.Info("using tracefs", slog.String("root", root))
	return ftrace.NewSampler(ftrace.Tracefs{Root: root}, logger)
}

// printAudit reads the journal directly. It fails while a running daemon
// holds the database lock.
func printAudit(w io.Writer, path string, limit int) error {
	if path == "" {
		return errors.New("audit_path is not configured")
	}
	journal, err := audit.Open(path, 0)
	if err != nil {
		return fmt.Errorf("failed to open audit journal %s: %w", path, err)
	}
	defer journal.Close()

	records, err := journal.Recent(limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

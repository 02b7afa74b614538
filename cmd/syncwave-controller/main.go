// Command syncwave-controller runs the GitOps reconciliation controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/syncwave-io/syncwave/api/v1alpha1"
	"github.com/syncwave-io/syncwave/pkg/cluster"
	"github.com/syncwave-io/syncwave/pkg/config"
	"github.com/syncwave-io/syncwave/pkg/diff"
	"github.com/syncwave-io/syncwave/pkg/history"
	"github.com/syncwave-io/syncwave/pkg/metrics"
	"github.com/syncwave-io/syncwave/pkg/notify"
	"github.com/syncwave-io/syncwave/pkg/observer"
	"github.com/syncwave-io/syncwave/pkg/reconcile"
	"github.com/syncwave-io/syncwave/pkg/source"
	"github.com/syncwave-io/syncwave/pkg/syncer"
)

var (
	configPath  string
	metricsAddr string
)

func main() {
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)

	root := &cobra.Command{
		Use:          "syncwave-controller",
		Short:        "Continuous reconciliation of declared state against a target cluster",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/syncwave/config.yaml", "Path to the controller configuration file")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop for all configured applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts)
		},
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":8080", "The address for Prometheus metrics")

	rollbackCmd := &cobra.Command{
		Use:   "rollback <application> <revision>",
		Short: "Roll an application back to a previously synced revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prune, err := cmd.Flags().GetBool("prune")
			if err != nil {
				return err
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}
			return rollback(&opts, args[0], args[1], prune, force)
		},
	}
	rollbackCmd.Flags().Bool("prune", false, "Delete resources not present at the target revision")
	rollbackCmd.Flags().Bool("force", false, "Recreate resources that reject updates to immutable fields")

	root.AddCommand(runCmd, rollbackCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps is the wired object graph shared by run and rollback.
type deps struct {
	cfg        *config.Config
	log        logr.Logger
	observer   *observer.Observer
	reconciler *reconcile.Reconciler
}

func buildDeps(opts *zap.Options) (*deps, error) {
	log := zap.New(zap.UseFlagOptions(opts))
	ctrl.SetLogger(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	platform, err := buildPlatform(cfg, log)
	if err != nil {
		return nil, err
	}

	fetcher := source.NewFetcher(source.FSProvider{}, log)
	obs := observer.New(platform, cfg.Controller.PollInterval, log)
	differ := diff.NewDiffer(cfg.IgnorePathsFor, log)
	executor := syncer.New(platform, syncer.Config{
		FanOut:           cfg.Controller.ApplyFanOut,
		MaxAttempts:      cfg.Controller.Retry.MaxAttempts,
		InitialBackoff:   cfg.Controller.Retry.InitialBackoff,
		MaxBackoff:       cfg.Controller.Retry.MaxBackoff,
		ReadinessTimeout: cfg.Controller.ReadinessTimeout,
	}, log)
	hist, err := history.NewStore(cfg.History.Dir, cfg.History.Limit, log)
	if err != nil {
		return nil, err
	}

	return &deps{
		cfg:        cfg,
		log:        log,
		observer:   obs,
		reconciler: reconcile.NewReconciler(fetcher, obs, differ, executor, hist, log),
	}, nil
}

// buildPlatform creates the rate-limited cluster client, preferring
// in-cluster credentials and falling back to the local kubeconfig.
func buildPlatform(cfg *config.Config, log logr.Logger) (cluster.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		log.V(1).Info("no in-cluster config, trying kubeconfig")
		restCfg, err = ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to get cluster config: %w", err)
		}
	}

	kube, err := cluster.NewKube(restCfg)
	if err != nil {
		return nil, err
	}
	return cluster.NewRateLimited(kube, cfg.Controller.RateLimit.QPS, cfg.Controller.RateLimit.Burst), nil
}

func run(opts *zap.Options) error {
	d, err := buildDeps(opts)
	if err != nil {
		return err
	}
	log := d.log

	log.Info("starting syncwave-controller",
		"applications", len(d.cfg.Applications),
		"pollInterval", d.cfg.Controller.PollInterval,
		"maxConcurrentSyncs", d.cfg.Controller.MaxConcurrentSyncs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, log)

	controller := reconcile.NewController(d.cfg, d.reconciler, d.observer, log)

	go d.observer.Start(ctx)

	// Filesystem sources notify through fsnotify; remote sources rely on
	// the webhook endpoint or the poll timer.
	for _, repoURL := range fileRepos(d.cfg) {
		repoURL := repoURL
		notifier := source.NewNotifier(repoURL, log)
		go func() {
			if err := notifier.Start(ctx, func() { controller.TriggerRepo(repoURL) }); err != nil {
				log.Error(err, "source notifier failed", "repo", repoURL)
			}
		}()
	}

	if d.cfg.Webhook.Addr != "" {
		server := notify.NewServer(d.cfg.Webhook.Addr, controller, log)
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Error(err, "webhook server failed")
			}
		}()
	}

	if metricsAddr != "" {
		metrics.Register(prometheus.DefaultRegisterer)
		go serveMetrics(ctx, metricsAddr, log)
	}

	controller.Start(ctx)
	return nil
}

func rollback(opts *zap.Options, app, revision string, prune, force bool) error {
	d, err := buildDeps(opts)
	if err != nil {
		return err
	}

	var target *v1alpha1.Application
	for i := range d.cfg.Applications {
		if d.cfg.Applications[i].Name == app {
			target = &d.cfg.Applications[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown application %q", app)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	op, err := d.reconciler.Rollback(ctx, target, revision, syncer.Options{
		Prune: prune || target.SyncPolicy.Prune,
		Force: force || target.SyncPolicy.Force,
	})
	if err != nil {
		return err
	}

	d.log.Info("rollback finished", "app", app, "revision", op.Revision, "phase", op.Phase, "operation", op.ID)
	if op.Phase != v1alpha1.OperationSucceeded {
		return fmt.Errorf("rollback did not converge: %s", op.Message)
	}
	return nil
}

func fileRepos(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var repos []string
	for _, app := range cfg.Applications {
		url := app.Source.RepoURL
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		if strings.HasPrefix(url, "file://") || strings.HasPrefix(url, "/") {
			repos = append(repos, url)
		}
	}
	return repos
}

func serveMetrics(ctx context.Context, addr string, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "metrics server failed")
	}
}

func handleSignals(ctx context.Context, cancel context.CancelFunc, log logr.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}

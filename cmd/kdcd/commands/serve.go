package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/gokdc/config"
	"github.com/kardianos/gokdc/kdb"
	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the KDC",
	Long: `Run the KDC in the foreground until SIGINT or SIGTERM.

Principals listed under database.principals are created if they do not
exist. The realm's krbtgt principal is created with random keys unless a
keytab supplies its keys.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log, closer, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	policy, err := cfg.KDCPolicy()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedPrincipals(ctx, db, cfg, policy.ETypes, log); err != nil {
		return err
	}
	keys, err := kdcKeys(ctx, db, cfg, policy.ETypes, log)
	if err != nil {
		return err
	}

	var metrics *kdc.Metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		metrics = kdc.NewMetrics(reg)
		stop := serveMetrics(cfg.Metrics.Addr, reg, log)
		defer stop()
	}

	kctx, err := kdc.NewContext(kdc.Options{
		Realm:   cfg.Realm,
		DB:      db,
		Keys:    keys,
		Policy:  policy,
		Log:     log,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	srv := kdc.NewServer(kdc.NewHandler(kctx), kdc.ServerConfig{
		Addr:          cfg.Listen,
		ReusePort:     cfg.ReusePort,
		MaxConcurrent: cfg.MaxConcurrent,
		Log:           log,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Printf(kdclog.AreaGeneral, "serving realm %s on %s", cfg.Realm, srv.Addr())
	srv.Wait()
	log.Printf(kdclog.AreaGeneral, "stopped")
	return nil
}

func openDatabase(cfg *config.Config, log *kdclog.Logger) (kdb.Database, error) {
	switch cfg.Database.Type {
	case "memory":
		return kdb.NewMemory(), nil
	case "badger":
		db, err := kdb.OpenBadger(cfg.Database.Path, log)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}
}

func seedPrincipals(ctx context.Context, db kdb.Database, cfg *config.Config, etypes []int32, log *kdclog.Logger) error {
	for _, pc := range cfg.Database.Principals {
		p, err := krb5.ParsePrincipal(pc.Name, cfg.Realm)
		if err != nil {
			return err
		}
		e, err := kdb.NewEntry(p, pc.Password, max(pc.KVNO, 1), etypes)
		if err != nil {
			return err
		}
		e.DisablePreauth = pc.DisablePreauth
		e.MaxLife = pc.MaxLife
		switch err := db.Add(ctx, e); {
		case err == nil:
			log.Printf(kdclog.AreaDB, "created principal %s", p)
		case errors.Is(err, kdb.ErrPrincipalExists):
			log.Debugf(kdclog.AreaDB, "principal %s exists", p)
		default:
			return err
		}
	}
	return nil
}

// kdcKeys builds the key store the KDC takes its krbtgt keys from. A
// configured keytab is watched for changes until ctx is done.
func kdcKeys(ctx context.Context, db kdb.Database, cfg *config.Config, etypes []int32, log *kdclog.Logger) (*keystore.Adapter, error) {
	if cfg.Keytab.Path != "" {
		p, err := cfg.KeytabPrincipal()
		if err != nil {
			return nil, err
		}
		src, err := keystore.LoadKeytab(cfg.Keytab.Path, &p, log)
		if err != nil {
			return nil, err
		}
		go src.Watch(ctx, cfg.Keytab.PollInterval)
		log.Printf(kdclog.AreaKeys, "krbtgt keys from keytab %s", cfg.Keytab.Path)
		return &keystore.Adapter{Keytabs: src}, nil
	}

	tgs, err := kdb.EnsureTGS(ctx, db, cfg.Realm, etypes)
	if err != nil {
		return nil, err
	}
	derived := keystore.NewDerivedSource()
	derived.Set(keystore.CallerKDC, tgs.Keys)
	log.Printf(kdclog.AreaKeys, "krbtgt keys from database, kvno %d", tgs.KVNO())
	return &keystore.Adapter{Derived: derived}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *kdclog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(kdclog.AreaGeneral, "metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}
}

// Command server is the process entrypoint: it wires config, logging,
// storage, the four source adapters, the reconciliation engine, the
// sync scheduler, and the read API together, then serves HTTP with
// graceful shutdown. Generalizes the teacher's bare os.Getenv("PORT")
// + http.ListenAndServe wiring in the same file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/omc-payops/nvc-reconciler/internal/adapters"
	"github.com/omc-payops/nvc-reconciler/internal/api"
	"github.com/omc-payops/nvc-reconciler/internal/config"
	"github.com/omc-payops/nvc-reconciler/internal/generator"
	"github.com/omc-payops/nvc-reconciler/internal/logging"
	"github.com/omc-payops/nvc-reconciler/internal/matcher"
	"github.com/omc-payops/nvc-reconciler/internal/models"
	"github.com/omc-payops/nvc-reconciler/internal/reconciler"
	"github.com/omc-payops/nvc-reconciler/internal/scheduler"
	"github.com/omc-payops/nvc-reconciler/internal/store"
)

func main() {
	applyConfigFileOverlay()
	cfg := config.Load()
	log := logging.New()
	mainLog := logging.Component(log, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, cfg.DBPath, cfg.DBConnectTimeout)
	if err != nil {
		mainLog.WithError(err).Fatal("failed to open store")
	}
	defer s.Close()

	aliases := matcher.AliasTable(cfg.AgencyAliases)
	engine := reconciler.New(s, logging.Component(log, "reconciler"), cfg.Tolerances, aliases)

	sources := scheduler.Sources{
		Email:    adapters.NewEmailAdapter(newEmailTransport(cfg.EmailSourceDSN), adapters.DefaultRetryPolicy()),
		Invoice:  adapters.NewInvoiceAdapter(newInvoiceTransport(cfg.InvoiceSourceDSN), adapters.DefaultRetryPolicy()),
		Inbound:  adapters.NewInboundFundingAdapter(newInboundTransport(cfg.InboundSourceDSN), adapters.DefaultRetryPolicy()),
		Outbound: adapters.NewOutboundPaymentAdapter(newOutboundTransport(cfg.OutboundSourceDSN), adapters.DefaultRetryPolicy()),
	}
	lookback := cfg.SyncInterval * 2
	sched := scheduler.New(sources, engine, s, cfg.SyncInterval, lookback, logging.Component(log, "scheduler"))

	if len(os.Args) > 1 && os.Args[1] == "--seed-data" {
		seedData(ctx, engine, s, logging.Component(log, "seed"))
	}

	go sched.Run(ctx)

	a := api.New(s, sched, cfg.Tolerances, logging.Component(log, "api"))
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.Router(),
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout,
	}

	go func() {
		mainLog.WithField("addr", srv.Addr).Info("nvc-reconciler starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	mainLog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.WithError(err).Error("graceful shutdown failed")
	}
}

// applyConfigFileOverlay lets a "--config <path>" flag overlay a
// YAML/JSON file onto the environment before config.Load() runs.
// internal/config remains the single source of truth for recognized
// keys (§6); this only pre-seeds os.Environ for keys the deployment
// didn't already set, the way an ops team might hand the process a
// config.yaml instead of a long env block.
func applyConfigFileOverlay() {
	path := ""
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			path = os.Args[i+1]
			break
		}
		if strings.HasPrefix(arg, "--config=") {
			path = strings.TrimPrefix(arg, "--config=")
			break
		}
	}
	if path == "" {
		return
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logrus.StandardLogger().WithError(err).Fatal("failed to read --config overlay")
	}
	for _, key := range v.AllKeys() {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			continue // environment always wins over the file overlay
		}
		os.Setenv(envKey, v.GetString(key))
	}
}

// seedData loads synthetic fixtures through the same engine path a real
// sync cycle uses, then writes a summary report to testdata/ — the
// generalized form of the teacher's --seed-data branch, which poked the
// old in-memory store directly.
func seedData(ctx context.Context, engine *reconciler.Engine, s *store.Store, log *logrus.Entry) {
	log.Info("seeding synthetic fixtures")
	seed := generator.Generate(42, 200)

	if err := engine.ApplyEmails(ctx, seed.Emails); err != nil {
		log.WithError(err).Fatal("seed: apply emails")
	}
	if err := engine.ApplyInvoices(ctx, seed.Invoices); err != nil {
		log.WithError(err).Fatal("seed: apply invoices")
	}
	if err := engine.ApplyOutboundPayments(ctx, seed.Outbound); err != nil {
		log.WithError(err).Fatal("seed: apply outbound payments")
	}
	if err := engine.ApplyReceivedPayments(ctx, seed.Inbound); err != nil {
		log.WithError(err).Fatal("seed: apply received payments")
	}

	linked, err := engine.RunLumpSumPass(ctx)
	if err != nil {
		log.WithError(err).Fatal("seed: lump-sum pass")
	}
	log.WithField("auto_linked", linked).Info("seed: lump-sum pass complete")

	summary, err := s.Summary(ctx)
	if err != nil {
		log.WithError(err).Fatal("seed: summarize")
	}

	if err := os.MkdirAll("testdata", 0o755); err != nil {
		log.WithError(err).Fatal("seed: create testdata dir")
	}
	f, err := os.Create("testdata/seed_summary.json")
	if err != nil {
		log.WithError(err).Fatal("seed: write summary")
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		log.WithError(err).Fatal("seed: encode summary")
	}

	log.WithFields(logrus.Fields{
		"total":         summary.Total,
		"full_4way":     summary.ByStatus[models.StatusFull4Way],
		"status_issues": summary.StatusIssues,
	}).Info("seed data loaded, summary written to testdata/seed_summary.json")
}

func newEmailTransport(dsn string) adapters.EmailTransport    { return unconfiguredTransport{dsn} }
func newInvoiceTransport(dsn string) adapters.InvoiceTransport { return unconfiguredTransport{dsn} }
func newInboundTransport(dsn string) adapters.InboundFundingTransport {
	return unconfiguredTransport{dsn}
}
func newOutboundTransport(dsn string) adapters.OutboundPaymentTransport {
	return unconfiguredTransport{dsn}
}

// unconfiguredTransport satisfies all four source-transport interfaces
// with an empty-batch no-op. Real transports (IMAP/Graph client, the
// operations-DB tunnel, the payment processor's API) are out of scope
// per §1/§6 and are injected here in their place; a deployment wires a
// real implementation in by replacing these constructors.
type unconfiguredTransport struct{ dsn string }

func (t unconfiguredTransport) FetchMessages(ctx context.Context, w adapters.Window) ([]adapters.RawEmailMessage, error) {
	return nil, nil
}

func (t unconfiguredTransport) FetchInvoices(ctx context.Context, w adapters.Window) ([]adapters.RawInvoice, error) {
	return nil, nil
}

func (t unconfiguredTransport) FetchReceivedPayments(ctx context.Context, w adapters.Window) ([]adapters.RawReceivedPayment, error) {
	return nil, nil
}

func (t unconfiguredTransport) FetchOutboundPayments(ctx context.Context, w adapters.Window) ([]adapters.RawOutboundPayment, error) {
	return nil, nil
}

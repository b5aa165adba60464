package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wanderlust/booking-backend/internal/config"
	"github.com/wanderlust/booking-backend/internal/database"
	"github.com/wanderlust/booking-backend/internal/models"
	"github.com/wanderlust/booking-backend/internal/services"
	"github.com/wanderlust/booking-backend/pkg/gateway"
)

// Operator tool: query the gateway for one reference, print its audit trail,
// or run a single stale-attempt sweep without waiting for the scheduler.
func main() {
	var (
		reference string
		sweep     bool
		audits    bool
		timeout   time.Duration
	)
	flag.StringVar(&reference, "reference", "", "payment reference to query and reconcile")
	flag.BoolVar(&sweep, "sweep", false, "run one stale payment attempt sweep")
	flag.BoolVar(&audits, "audits", false, "print the audit trail of -reference instead of querying")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	if reference == "" && !sweep {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	auditRepo := database.NewPaymentAuditRepository(db, logger)

	if audits {
		printAudits(ctx, auditRepo, reference)
		return
	}

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Payment.BaseURL,
		ClientID:       cfg.Payment.ClientID,
		ClientSecret:   cfg.Payment.ClientSecret,
		MerchantKey:    cfg.Payment.MerchantKey,
		RequestTimeout: cfg.Payment.RequestTimeout,
		MaxRetries:     cfg.Payment.MaxRetries,
		RetryBaseDelay: cfg.Payment.RetryBaseDelay,
	}, logger)

	reconcileConfig := services.DefaultReconciliationConfig()
	reconcileConfig.SweepStaleAfter = cfg.Reconciliation.SweepStaleAfter
	reconcileConfig.SweepBatchSize = cfg.Reconciliation.SweepBatchSize
	reconciler := services.NewReconciliationService(
		database.NewLedgerRepository(db, logger),
		auditRepo,
		gatewayClient,
		gateway.NewSigner(cfg.Payment.MerchantKey, cfg.Payment.WebhookSecret),
		nil,
		reconcileConfig,
		logger,
	)

	if reference != "" {
		result, err := reconciler.QueryAndReconcile(ctx, reference, models.SourceOperator)
		if err != nil {
			log.Fatalf("query failed: %v", err)
		}
		fmt.Printf("reference=%s applied=%t duplicate=%t\n", reference, result.Applied, result.Duplicate)
		if result.Attempt != nil {
			fmt.Printf("attempt state=%s\n", result.Attempt.State)
		}
		if result.Booking != nil {
			fmt.Printf("booking=%s status=%s payment_status=%s\n",
				result.Booking.ID, result.Booking.Status, result.Booking.PaymentStatus)
		}
	}

	if sweep {
		report, err := reconciler.SweepStaleAttempts(ctx)
		if err != nil {
			log.Fatalf("sweep failed: %v", err)
		}
		fmt.Printf("sweep checked=%d applied=%d failed=%d\n", report.Checked, report.Applied, report.Failed)
	}
}

func printAudits(ctx context.Context, repo *database.PaymentAuditRepository, reference string) {
	if reference == "" {
		log.Fatal("-audits requires -reference")
	}
	trail, err := repo.GetByReference(ctx, reference)
	if err != nil {
		log.Fatalf("failed to load audits: %v", err)
	}
	for _, a := range trail {
		status := "-"
		if a.NormalizedStatus != nil {
			status = *a.NormalizedStatus
		}
		fmt.Printf("%s  %-24s %-13s status=%-9s duplicate=%t\n",
			a.CreatedAt.Format(time.RFC3339), a.EventType, a.EventSource, status, a.IsDuplicate)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao"
	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/quota"
	"github.com/GOSC-CNIC/vms/internal/reconciler"
	"github.com/GOSC-CNIC/vms/internal/servermgr"
	"github.com/GOSC-CNIC/vms/pkg/config"
	"github.com/GOSC-CNIC/vms/pkg/metrics"
	"github.com/GOSC-CNIC/vms/pkg/notify"
	"github.com/GOSC-CNIC/vms/pkg/provider"
	"github.com/GOSC-CNIC/vms/pkg/provider/gateway"
	"github.com/GOSC-CNIC/vms/pkg/secret"
)

func main() {
	klog.InitFlags(nil)

	if config.IsDebugMode() {
		if err := godotenv.Load(); err != nil {
			klog.Warningf("no .env file loaded: %v", err)
		}
	}
	conf := config.GetConfig()

	db, err := dao.Open(conf)
	if err != nil {
		klog.Fatalf("Failed to connect postgres: %s", err)
	}
	if err := dao.Migrate(db); err != nil {
		klog.Fatalf("Failed to migrate: %s", err)
	}

	enc, err := secret.NewEncryptor(conf.SecretKey)
	if err != nil {
		klog.Fatalf("Failed to init encryptor: %s", err)
	}

	registry := provider.NewRegistry(enc)
	registry.Register(model.ServiceTypeEVCloud, gateway.New)
	registry.Register(model.ServiceTypeOpenStack, gateway.New)
	registry.Register(model.ServiceTypeVMware, gateway.New)

	ledger := quota.NewQuotaAPI(db)
	manager := servermgr.NewManager(db, registry, ledger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := reconciler.New(db, manager, reconciler.Config{
		Workers:     conf.Reconciler.Workers,
		Interval:    time.Duration(conf.Reconciler.IntervalSec) * time.Second,
		MaxAttempts: conf.Reconciler.MaxAttempts,
		BatchSize:   conf.Reconciler.BatchSize,
	})
	rec.Start(ctx)

	c := cron.New()
	rescanSec := conf.Reconciler.RescanSec
	if rescanSec <= 0 {
		rescanSec = 300
	}
	if _, err := c.AddFunc("@every "+(time.Duration(rescanSec)*time.Second).String(), func() {
		if _, err := rec.Rescan(ctx); err != nil {
			klog.ErrorS(err, "build task rescan")
		}
	}); err != nil {
		klog.Fatalf("Failed to schedule rescan: %s", err)
	}
	if _, err := c.AddFunc("@daily", func() {
		n, err := ledger.DeactivateExpired(ctx)
		if err != nil {
			klog.ErrorS(err, "deactivate expired quotas")
			return
		}
		if n > 0 {
			klog.Infof("deactivated %d expired quota records", n)
		}
	}); err != nil {
		klog.Fatalf("Failed to schedule quota sweep: %s", err)
	}
	if conf.Notify.Enable {
		notifier := notify.NewNotifier(db, notify.SMTP{
			Host:     conf.Notify.SMTP.Host,
			Port:     conf.Notify.SMTP.Port,
			User:     conf.Notify.SMTP.User,
			Password: conf.Notify.SMTP.Password,
			Sender:   conf.Notify.SMTP.Sender,
		}, conf.Notify.AheadDays)
		if _, err := c.AddFunc("@daily", func() {
			if _, err := notifier.SweepExpiring(ctx); err != nil {
				klog.ErrorS(err, "quota expiry mail sweep")
			}
		}); err != nil {
			klog.Fatalf("Failed to schedule notify sweep: %s", err)
		}
	}
	c.Start()
	defer c.Stop()

	metricsSrv := &http.Server{
		Addr:              conf.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		klog.Infof("metrics listening on %s", conf.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server: %s", err)
		}
	}()

	<-ctx.Done()
	klog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("metrics shutdown: %s", err)
	}
	rec.Wait()
}

package tasks

import (
	"context"
	"time"

	"github.com/certchain-labs/certchain-api/services"
	"go.uber.org/zap"
)

const (
	reconcileInterval      = time.Duration(60) * time.Second
	reconcileRetryInterval = time.Duration(15) * time.Second
)

// ReconcileTask periodically repairs credentials that minted on-chain but
// never got their off-chain mirror written, and re-syncs cached issuer
// authorization flags against the ledger.
type ReconcileTask struct {
	svc    *services.Service
	done   chan bool
	logger *zap.Logger
}

func NewReconcileTask(svc *services.Service, logger *zap.Logger) *ReconcileTask {
	return &ReconcileTask{
		svc,
		make(chan bool),
		logger,
	}
}

func (t *ReconcileTask) reconcile() error {
	ctx := context.Background()

	repaired, err := t.svc.RepairUnmirrored(ctx)
	if err != nil {
		t.logger.Warn("Mirror repair sweep failed", zap.Error(err))
		return err
	}
	if repaired > 0 {
		t.logger.Info("Repaired unmirrored credentials", zap.Int("count", repaired))
	}

	backfilled, err := t.svc.RepairIssuerAddresses(ctx)
	if err != nil {
		t.logger.Warn("Issuer backfill sweep failed", zap.Error(err))
		return err
	}
	if backfilled > 0 {
		t.logger.Info("Backfilled mirror issuer addresses", zap.Int("count", backfilled))
	}

	synced, err := t.svc.SyncIssuerAuthorization(ctx)
	if err != nil {
		t.logger.Warn("Issuer authorization sync failed", zap.Error(err))
		return err
	}
	if synced > 0 {
		t.logger.Info("Re-synced issuer authorization flags", zap.Int("count", synced))
	}

	return nil
}

func (t *ReconcileTask) Run() {
	ticker := time.NewTicker(time.Duration(1) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.logger.Info("Reconcile task stopped")
			return
		case <-ticker.C:
			if err := t.reconcile(); err != nil {
				// Retry sooner after a failed sweep.
				ticker.Reset(reconcileRetryInterval)
			} else {
				ticker.Reset(reconcileInterval)
			}
		}
	}
}

func (t *ReconcileTask) Stop() error {
	t.done <- true
	return nil
}

package quota

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
	"github.com/GOSC-CNIC/vms/pkg/metrics"
)

// QuotaTotals carries new per-dimension totals for a resize. Nil means
// "leave this dimension unchanged".
type QuotaTotals struct {
	PrivateIP *int
	PublicIP  *int
	Vcpu      *int
	RamMB     *int
	DiskSize  *int
}

// UpdateServicePrivateQuota resizes a service's private ledger. Totals
// may only move in a direction that keeps used <= total: shrinking any
// dimension below its current usage is rejected with QuotaOnlyIncrease
// and leaves every total unchanged.
func (a *QuotaAPI) UpdateServicePrivateQuota(ctx context.Context, serviceID string, totals QuotaTotals) (*model.ServicePrivateQuota, error) {
	var out *model.ServicePrivateQuota
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pq model.ServicePrivateQuota
		err := tx.First(&pq, "service_id = ?", serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NoSuchQuota("the service has no private quota configured.")
		}
		if err != nil {
			return err
		}
		updates, err := resizeUpdates(&pq.QuotaBase, totals)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			out = &pq
			return nil
		}
		if err := tx.Model(&pq).Updates(updates).Error; err != nil {
			return err
		}
		out = &pq
		return nil
	})
	return out, err
}

// UpdateServiceShareQuota is the share-ledger counterpart of
// UpdateServicePrivateQuota.
func (a *QuotaAPI) UpdateServiceShareQuota(ctx context.Context, serviceID string, totals QuotaTotals) (*model.ServiceShareQuota, error) {
	var out *model.ServiceShareQuota
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sq model.ServiceShareQuota
		err := tx.First(&sq, "service_id = ?", serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NoSuchQuota("the service has no share quota configured.")
		}
		if err != nil {
			return err
		}
		updates, err := resizeUpdates(&sq.QuotaBase, totals)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			out = &sq
			return nil
		}
		if err := tx.Model(&sq).Updates(updates).Error; err != nil {
			return err
		}
		out = &sq
		return nil
	})
	return out, err
}

// ServicePrivateQuotaApply debits a service's private ledger directly,
// outside the server path. Same all-or-nothing guarantee: a shortage on
// any dimension leaves every counter unchanged.
func (a *QuotaAPI) ServicePrivateQuotaApply(ctx context.Context, serviceID string, vcpu, ramMB int, publicIP bool) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return debitServicePrivateQuota(tx, serviceID, vcpu, ramMB, publicIP)
	})
}

// ServicePrivateQuotaRelease credits the private ledger back, clamped
// at zero per dimension.
func (a *QuotaAPI) ServicePrivateQuotaRelease(ctx context.Context, serviceID string, vcpu, ramMB int, publicIP bool) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return creditServicePrivateQuota(tx, serviceID, vcpu, ramMB, publicIP)
	})
	if errors.Is(err, errConflict) {
		return errs.InternalError("the service private quota release kept losing the race; try again.")
	}
	return err
}

// ServiceShareQuotaApply debits the share ledger under the same guarded
// update as the private one.
func (a *QuotaAPI) ServiceShareQuotaApply(ctx context.Context, serviceID string, vcpu, ramMB int, publicIP bool) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return debitServiceShareQuota(tx, serviceID, vcpu, ramMB, publicIP)
	})
}

// ServiceShareQuotaRelease credits the share ledger back, clamped at
// zero per dimension.
func (a *QuotaAPI) ServiceShareQuotaRelease(ctx context.Context, serviceID string, vcpu, ramMB int, publicIP bool) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return creditServiceShareQuota(tx, serviceID, vcpu, ramMB, publicIP)
	})
	if errors.Is(err, errConflict) {
		return errs.InternalError("the service share quota release kept losing the race; try again.")
	}
	return err
}

func debitServiceShareQuota(tx *gorm.DB, serviceID string, vcpu, ramMB int, publicIP bool) error {
	ipUsed := "private_ip_used"
	ipTotal := "private_ip_total"
	if publicIP {
		ipUsed = "public_ip_used"
		ipTotal = "public_ip_total"
	}
	res := tx.Model(&model.ServiceShareQuota{}).
		Where("service_id = ? AND enable = ?", serviceID, true).
		Where("vcpu_used + ? <= vcpu_total", vcpu).
		Where("ram_used + ? <= ram_total", ramMB).
		Where(fmt.Sprintf("%s + 1 <= %s", ipUsed, ipTotal)).
		Updates(map[string]any{
			"vcpu_used": gorm.Expr("vcpu_used + ?", vcpu),
			"ram_used":  gorm.Expr("ram_used + ?", ramMB),
			ipUsed:      gorm.Expr(ipUsed + " + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var sq model.ServiceShareQuota
		err := tx.First(&sq, "service_id = ?", serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NoSuchQuota("the service has no share quota configured.")
		}
		return errs.QuotaShortage("insufficient share quota of the service.")
	}
	return nil
}

func creditServiceShareQuota(tx *gorm.DB, serviceID string, vcpu, ramMB int, publicIP bool) error {
	for attempt := 0; attempt < 2; attempt++ {
		var sq model.ServiceShareQuota
		err := tx.First(&sq, "service_id = ?", serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			klog.Warningf("quota release: service %s has no share quota row; skipping", serviceID)
			return nil
		}
		if err != nil {
			return err
		}
		ipUsed := sq.PrivateIPUsed
		ipCol := "private_ip_used"
		if publicIP {
			ipUsed = sq.PublicIPUsed
			ipCol = "public_ip_used"
		}
		if sq.VcpuUsed-vcpu < 0 || sq.RamUsed-ramMB < 0 || ipUsed-1 < 0 {
			metrics.QuotaClamps.Inc()
			klog.Errorf("service %s share quota release clamped: counters drifted", serviceID)
		}
		res := tx.Model(&model.ServiceShareQuota{}).
			Where("service_id = ? AND vcpu_used = ? AND ram_used = ? AND "+ipCol+" = ?",
				serviceID, sq.VcpuUsed, sq.RamUsed, ipUsed).
			Updates(map[string]any{
				"vcpu_used": max(sq.VcpuUsed-vcpu, 0),
				"ram_used":  max(sq.RamUsed-ramMB, 0),
				ipCol:       max(ipUsed-1, 0),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
	}
	return errConflict
}

// resizeUpdates validates each requested total against current usage
// before any write, so a rejected resize cannot partially apply.
func resizeUpdates(base *model.QuotaBase, totals QuotaTotals) (map[string]any, error) {
	updates := map[string]any{}
	check := func(col string, newTotal, used int) error {
		if newTotal < used {
			return errs.QuotaOnlyIncrease(fmt.Sprintf(
				"cannot shrink %s below current usage (%d < %d).", col, newTotal, used))
		}
		updates[col] = newTotal
		return nil
	}
	if totals.PrivateIP != nil {
		if err := check("private_ip_total", *totals.PrivateIP, base.PrivateIPUsed); err != nil {
			return nil, err
		}
	}
	if totals.PublicIP != nil {
		if err := check("public_ip_total", *totals.PublicIP, base.PublicIPUsed); err != nil {
			return nil, err
		}
	}
	if totals.Vcpu != nil {
		if err := check("vcpu_total", *totals.Vcpu, base.VcpuUsed); err != nil {
			return nil, err
		}
	}
	if totals.RamMB != nil {
		if err := check("ram_total", *totals.RamMB, base.RamUsed); err != nil {
			return nil, err
		}
	}
	if totals.DiskSize != nil {
		if err := check("disk_size_total", *totals.DiskSize, base.DiskSizeUsed); err != nil {
			return nil, err
		}
	}
	return updates, nil
}

// UpdateUserQuota resizes a user/vo quota record under the same
// only-increase-relative-to-usage rule.
func (a *QuotaAPI) UpdateUserQuota(ctx context.Context, quotaID string, totals QuotaTotals) (*model.UserQuota, error) {
	var out *model.UserQuota
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q model.UserQuota
		err := tx.First(&q, "id = ?", quotaID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NoSuchQuota("")
		}
		if err != nil {
			return err
		}
		updates, err := resizeUpdates(&q.QuotaBase, totals)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			out = &q
			return nil
		}
		if err := tx.Model(&q).Updates(updates).Error; err != nil {
			return err
		}
		out = &q
		return nil
	})
	return out, err
}

// DeleteUserQuota soft-deletes a record. A record still paying for live
// servers must not vanish from the books.
func (a *QuotaAPI) DeleteUserQuota(ctx context.Context, quotaID string) error {
	var count int64
	if err := a.db.WithContext(ctx).Model(&model.Server{}).
		Where("user_quota_id = ?", quotaID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errs.ResourceNotCleanedUp("servers created under this quota still exist.")
	}
	res := a.db.WithContext(ctx).Model(&model.UserQuota{}).
		Where("id = ? AND deleted = ?", quotaID, false).
		Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.NoSuchQuota("")
	}
	return nil
}

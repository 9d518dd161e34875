// Package quota is the ledger for all reservable resource counters.
// Every mutation of a used-count in the system flows through QuotaAPI;
// that discipline is what keeps concurrent server lifecycles from
// drifting the books.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
	"github.com/GOSC-CNIC/vms/pkg/metrics"
)

type QuotaAPI struct {
	db *gorm.DB
}

func NewQuotaAPI(db *gorm.DB) *QuotaAPI {
	return &QuotaAPI{db: db}
}

// ServerCreateQuotaApply reserves vcpu/ram and one IP slot on a quota
// record ahead of a provider create call. When quotaID is empty, a
// record is selected among the owner's eligible records for the
// service; otherwise the explicit record must belong to the owner,
// target the service, be alive and hold enough free capacity.
//
// The debit is all-dimensions-or-nothing: the commit re-validates
// used+delta <= total for every dimension in a single guarded update,
// so a racing writer can never leave a partial debit behind. One retry
// on conflict, then QuotaShortage. The service's private quota is
// debited in the same transaction.
func (a *QuotaAPI) ServerCreateQuotaApply(
	ctx context.Context,
	service *model.ServiceConfig,
	owner Owner,
	vcpu, ramMB int,
	publicIP bool,
	quotaID string,
) (*model.UserQuota, error) {
	var applied *model.UserQuota
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		applied, err = a.applyOnce(ctx, service, owner, vcpu, ramMB, publicIP, quotaID)
		if err == nil || !isConflict(err) {
			break
		}
		klog.V(4).Infof("quota apply conflict, retrying: service=%s", service.ID)
	}
	if err != nil {
		if isConflict(err) {
			err = errs.QuotaShortage("")
		}
		switch {
		case errs.IsQuotaShortage(err):
			metrics.QuotaReservations.WithLabelValues("shortage").Inc()
		case errs.IsNoSuchQuota(err):
			metrics.QuotaReservations.WithLabelValues("no_such_quota").Inc()
		default:
			metrics.QuotaReservations.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.QuotaReservations.WithLabelValues("ok").Inc()
	return applied, nil
}

// errConflict marks a guarded update that matched no row because a
// concurrent writer got there first; the caller retries once.
var errConflict = errors.New("quota record changed concurrently")

func isConflict(err error) bool {
	return errors.Is(err, errConflict)
}

func (a *QuotaAPI) applyOnce(
	ctx context.Context,
	service *model.ServiceConfig,
	owner Owner,
	vcpu, ramMB int,
	publicIP bool,
	quotaID string,
) (*model.UserQuota, error) {
	record, err := a.resolveRecord(ctx, service, owner, vcpu, ramMB, publicIP, quotaID)
	if err != nil {
		return nil, err
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := debitUserQuota(tx, record.ID, vcpu, ramMB, publicIP); err != nil {
			return err
		}
		if err := debitServicePrivateQuota(tx, service.ID, vcpu, ramMB, publicIP); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Re-read so the caller sees the post-debit counters.
	var fresh model.UserQuota
	if err := a.db.WithContext(ctx).First(&fresh, "id = ?", record.ID).Error; err != nil {
		return record, nil
	}
	return &fresh, nil
}

// debitUserQuota applies the guarded increment. The WHERE clause is the
// commit-time re-validation: it re-checks headroom on every dimension
// against the current row, so the update matches zero rows if any
// dimension would overflow.
func debitUserQuota(tx *gorm.DB, quotaID string, vcpu, ramMB int, publicIP bool) error {
	ipUsed := "private_ip_used"
	ipTotal := "private_ip_total"
	if publicIP {
		ipUsed = "public_ip_used"
		ipTotal = "public_ip_total"
	}
	res := tx.Model(&model.UserQuota{}).
		Where("id = ? AND deleted = ?", quotaID, false).
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
		return errConflict
	}
	return nil
}

func debitServicePrivateQuota(tx *gorm.DB, serviceID string, vcpu, ramMB int, publicIP bool) error {
	ipUsed := "private_ip_used"
	ipTotal := "private_ip_total"
	if publicIP {
		ipUsed = "public_ip_used"
		ipTotal = "public_ip_total"
	}
	res := tx.Model(&model.ServicePrivateQuota{}).
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
		var pq model.ServicePrivateQuota
		err := tx.First(&pq, "service_id = ?", serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NoSuchQuota("the service has no private quota configured.")
		}
		return errs.QuotaShortage("insufficient private quota of the service.")
	}
	return nil
}

// resolveRecord finds the quota record the debit will land on and
// front-checks headroom so callers get a precise error. The guarded
// update remains the authority; this check only shapes the message.
func (a *QuotaAPI) resolveRecord(
	ctx context.Context,
	service *model.ServiceConfig,
	owner Owner,
	vcpu, ramMB int,
	publicIP bool,
	quotaID string,
) (*model.UserQuota, error) {
	now := time.Now()
	if quotaID != "" {
		var q model.UserQuota
		err := a.db.WithContext(ctx).First(&q, "id = ?", quotaID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NoSuchQuota("")
		}
		if err != nil {
			return nil, err
		}
		if q.Deleted || !owner.Matches(&q) || q.ServiceID != service.ID {
			return nil, errs.NoSuchQuota("")
		}
		if q.IsExpired(now) {
			return nil, errs.QuotaShortage("the quota has expired.")
		}
		if err := checkHeadroom(&q, vcpu, ramMB, publicIP); err != nil {
			return nil, err
		}
		return &q, nil
	}

	var candidates []model.UserQuota
	err := owner.Scope(a.db.WithContext(ctx)).
		Where("service_id = ? AND deleted = ?", service.ID, false).
		Order("expiration_time IS NULL, expiration_time ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	alive := lo.Filter(candidates, func(q model.UserQuota, _ int) bool {
		return !q.IsExpired(now)
	})
	if len(alive) == 0 {
		return nil, errs.NoSuchQuota("")
	}
	// Prefer records that already hold enough headroom; the list is
	// ordered soonest-expiring first so quotas close to lapsing get
	// used up before long-lived ones.
	var lastShortage error
	for i := range alive {
		if err := checkHeadroom(&alive[i], vcpu, ramMB, publicIP); err != nil {
			lastShortage = err
			continue
		}
		return &alive[i], nil
	}
	return nil, lastShortage
}

func checkHeadroom(q *model.UserQuota, vcpu, ramMB int, publicIP bool) error {
	if q.VcpuFree() < vcpu {
		return errs.QuotaShortage("vcpu shortage in the quota.")
	}
	if q.RamFree() < ramMB {
		return errs.QuotaShortage("ram shortage in the quota.")
	}
	if publicIP {
		if q.PublicIPFree() < 1 {
			return errs.QuotaShortage("public ip shortage in the quota.")
		}
	} else if q.PrivateIPFree() < 1 {
		return errs.QuotaShortage("private ip shortage in the quota.")
	}
	return nil
}

// ServerQuotaRelease credits a reservation back after a server is
// deleted or a provider create failed. Releases are best-effort: an
// unresolvable record is logged and swallowed, because deletion must
// never be blocked by missing bookkeeping. Decrements are floored at
// zero per dimension; a clamp means the counters drifted and is logged
// as an invariant violation.
func (a *QuotaAPI) ServerQuotaRelease(
	ctx context.Context,
	service *model.ServiceConfig,
	owner Owner,
	vcpu, ramMB int,
	publicIP bool,
	quotaID string,
) error {
	record, err := a.findReleaseTarget(ctx, service, owner, quotaID)
	if err != nil {
		metrics.QuotaReleases.WithLabelValues("noop").Inc()
		klog.Warningf("quota release: cannot identify ledger entry (service=%s quota=%s): %v; leaking reservation",
			service.ID, quotaID, err)
		return nil
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if record != nil {
			if err := creditUserQuota(tx, record.ID, vcpu, ramMB, publicIP); err != nil {
				return err
			}
		}
		return creditServicePrivateQuota(tx, service.ID, vcpu, ramMB, publicIP)
	})
	if err != nil {
		metrics.QuotaReleases.WithLabelValues("error").Inc()
		return err
	}
	metrics.QuotaReleases.WithLabelValues("ok").Inc()
	return nil
}

func (a *QuotaAPI) findReleaseTarget(
	ctx context.Context,
	service *model.ServiceConfig,
	owner Owner,
	quotaID string,
) (*model.UserQuota, error) {
	if quotaID != "" {
		var q model.UserQuota
		err := a.db.WithContext(ctx).First(&q, "id = ?", quotaID).Error
		if err != nil {
			return nil, err
		}
		return &q, nil
	}
	if owner == nil {
		// Only the service ledger can be credited.
		return nil, nil
	}
	var q model.UserQuota
	err := owner.Scope(a.db.WithContext(ctx)).
		Where("service_id = ? AND deleted = ?", service.ID, false).
		Order("creation_time DESC").
		First(&q).Error
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// creditUserQuota decrements used counters, clamped at zero. The
// optimistic WHERE on the previous values keeps concurrent releases
// from losing updates; one retry, then give up loudly.
func creditUserQuota(tx *gorm.DB, quotaID string, vcpu, ramMB int, publicIP bool) error {
	for attempt := 0; attempt < 2; attempt++ {
		var q model.UserQuota
		if err := tx.First(&q, "id = ?", quotaID).Error; err != nil {
			return err
		}
		newVcpu := q.VcpuUsed - vcpu
		newRam := q.RamUsed - ramMB
		ipUsed := q.PrivateIPUsed
		ipCol := "private_ip_used"
		if publicIP {
			ipUsed = q.PublicIPUsed
			ipCol = "public_ip_used"
		}
		newIP := ipUsed - 1
		if newVcpu < 0 || newRam < 0 || newIP < 0 {
			metrics.QuotaClamps.Inc()
			klog.Errorf("quota %s release clamped: used counters drifted below the released amount "+
				"(vcpu=%d-%d ram=%d-%d %s=%d-1)", quotaID, q.VcpuUsed, vcpu, q.RamUsed, ramMB, ipCol, ipUsed)
		}
		res := tx.Model(&model.UserQuota{}).
			Where("id = ? AND vcpu_used = ? AND ram_used = ? AND "+ipCol+" = ?",
				quotaID, q.VcpuUsed, q.RamUsed, ipUsed).
			Updates(map[string]any{
				"vcpu_used": max(newVcpu, 0),
				"ram_used":  max(newRam, 0),
				ipCol:       max(newIP, 0),
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

func creditServicePrivateQuota(tx *gorm.DB, serviceID string, vcpu, ramMB int, publicIP bool) error {
	for attempt := 0; attempt < 2; attempt++ {
		var pq model.ServicePrivateQuota
		err := tx.First(&pq, "service_id = ?", serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			klog.Warningf("quota release: service %s has no private quota row; skipping", serviceID)
			return nil
		}
		if err != nil {
			return err
		}
		ipUsed := pq.PrivateIPUsed
		ipCol := "private_ip_used"
		if publicIP {
			ipUsed = pq.PublicIPUsed
			ipCol = "public_ip_used"
		}
		if pq.VcpuUsed-vcpu < 0 || pq.RamUsed-ramMB < 0 || ipUsed-1 < 0 {
			metrics.QuotaClamps.Inc()
			klog.Errorf("service %s private quota release clamped: counters drifted", serviceID)
		}
		res := tx.Model(&model.ServicePrivateQuota{}).
			Where("service_id = ? AND vcpu_used = ? AND ram_used = ? AND "+ipCol+" = ?",
				serviceID, pq.VcpuUsed, pq.RamUsed, ipUsed).
			Updates(map[string]any{
				"vcpu_used": max(pq.VcpuUsed-vcpu, 0),
				"ram_used":  max(pq.RamUsed-ramMB, 0),
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

// DeactivateExpired soft-deletes quota records whose expiration time
// has passed, excluding them from future selection. Run from cron.
func (a *QuotaAPI) DeactivateExpired(ctx context.Context) (int64, error) {
	res := a.db.WithContext(ctx).Model(&model.UserQuota{}).
		Where("deleted = ? AND expiration_time IS NOT NULL AND expiration_time < ?", false, time.Now()).
		Update("deleted", true)
	return res.RowsAffected, res.Error
}

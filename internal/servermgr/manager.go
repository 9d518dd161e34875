// Package servermgr tracks a server's provider-side identity and local
// build status, reconciles local state against what the provider
// reports, and drives the deletion/archiving flow.
package servermgr

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"time"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
	"github.com/GOSC-CNIC/vms/internal/quota"
	"github.com/GOSC-CNIC/vms/pkg/metrics"
	"github.com/GOSC-CNIC/vms/pkg/provider"
)

type Manager struct {
	db       *gorm.DB
	adapters *provider.Registry
	ledger   *quota.QuotaAPI

	// refreshSampler decides whether complete-looking metadata still
	// gets re-polled. Probabilistic by provider kind to bound polling
	// load; replaceable in tests.
	refreshSampler func(kind model.ServiceType) bool
}

func NewManager(db *gorm.DB, adapters *provider.Registry, ledger *quota.QuotaAPI) *Manager {
	return &Manager{
		db:             db,
		adapters:       adapters,
		ledger:         ledger,
		refreshSampler: defaultRefreshSampler,
	}
}

// defaultRefreshSampler re-polls complete metadata at a provider-kind
// dependent rate: EVCloud reports are stable (1 in 10), OpenStack less
// so (1 in 5), everything else half the time.
func defaultRefreshSampler(kind model.ServiceType) bool {
	switch kind {
	case model.ServiceTypeEVCloud:
		return rand.Intn(10) == 0
	case model.ServiceTypeOpenStack:
		return rand.Intn(5) == 0
	default:
		return rand.Intn(2) == 0
	}
}

// SetRefreshSampler replaces the metadata staleness policy.
func (m *Manager) SetRefreshSampler(f func(kind model.ServiceType) bool) {
	m.refreshSampler = f
}

// GetServer loads a server with its service, quota and vo associations.
func (m *Manager) GetServer(ctx context.Context, serverID string) (*model.Server, error) {
	var s model.Server
	err := m.db.WithContext(ctx).
		Preload("Service").Preload("UserQuota").Preload("Vo").
		First(&s, "id = ?", serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ServerNotExist("")
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func isIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// FetchAndReconcile queries the provider for the server's detail and
// folds it into the local row. Only fields that changed and are
// non-empty in the provider response are written: the provider never
// overwrites a known-good local value with an empty one. When the
// local metadata already looks complete the refresh may be skipped.
func (m *Manager) FetchAndReconcile(ctx context.Context, server *model.Server) (*model.Server, error) {
	if server.Service == nil {
		return nil, errs.ServiceNotExist("")
	}
	if isIPv4(server.IPv4) && server.Image != "" && server.TaskStatus != model.TaskInCreating {
		if !m.refreshSampler(server.Service.ServiceType) {
			return server, nil
		}
	}
	return m.updateServerDetail(ctx, server, 0)
}

// updateServerDetail fetches provider detail and persists only the
// changed field set. taskStatus, when non-zero, is applied once the
// response carries a usable ipv4 and image.
func (m *Manager) updateServerDetail(ctx context.Context, server *model.Server, taskStatus model.TaskStatus) (*model.Server, error) {
	adapter, err := m.adapters.Build(server.Service)
	if err != nil {
		return nil, errs.ConvertError(err)
	}

	start := time.Now()
	out, err := adapter.ServerDetail(ctx, &provider.ServerDetailInput{InstanceID: server.InstanceID})
	metrics.ProviderCallDuration.WithLabelValues("server_detail").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, errs.ProviderError(err)
	}

	updates := map[string]any{}
	if out.Server.Vcpu > 0 && out.Server.Vcpu != server.Vcpus {
		server.Vcpus = out.Server.Vcpu
		updates["vcpus"] = server.Vcpus
	}
	if out.Server.RamMB > 0 && out.Server.RamMB != server.RamMB {
		server.RamMB = out.Server.RamMB
		updates["ram"] = server.RamMB
	}
	if out.Server.IP.IPv4 != "" && out.Server.IP.IPv4 != server.IPv4 {
		server.IPv4 = out.Server.IP.IPv4
		updates["ipv4"] = server.IPv4
	}
	if out.Server.Image.Name != "" && out.Server.Image.Name != server.Image {
		server.Image = out.Server.Image.Name
		updates["image"] = server.Image
	}
	if out.Server.IP.PublicIPv4 != nil && *out.Server.IP.PublicIPv4 != server.PublicIP {
		server.PublicIP = *out.Server.IP.PublicIPv4
		updates["public_ip"] = server.PublicIP
	}
	if taskStatus != 0 && isIPv4(server.IPv4) && server.Image != "" && server.TaskStatus != taskStatus {
		server.TaskStatus = taskStatus
		updates["task_status"] = taskStatus
	}

	if len(updates) > 0 {
		if err := m.db.WithContext(ctx).Model(&model.Server{}).
			Where("id = ?", server.ID).Updates(updates).Error; err != nil {
			klog.ErrorS(err, "persist server detail", "server", server.ID)
		}
	}
	return server, nil
}

// FinalizeBuild polls provider detail for an in-creating server and
// marks it created-ok once the response carries a usable address and
// image. It reports whether the build is settled; servers that already
// left in-creating settle immediately.
func (m *Manager) FinalizeBuild(ctx context.Context, server *model.Server) (bool, error) {
	if server.TaskStatus != model.TaskInCreating {
		return true, nil
	}
	s, err := m.updateServerDetail(ctx, server, model.TaskCreatedOK)
	if err != nil {
		return false, err
	}
	return s.TaskStatus != model.TaskInCreating, nil
}

// Delete removes the provider instance and archives the local row. The
// order is deliberate: no bookkeeping changes without a confirmed
// provider-side deletion, so a failed provider call leaves everything
// untouched. On archiving success the paying quota is released
// best-effort.
func (m *Manager) Delete(ctx context.Context, server *model.Server, force bool) (archived bool, err error) {
	if server.Service == nil {
		return false, errs.ServiceNotExist("")
	}
	adapter, err := m.adapters.Build(server.Service)
	if err != nil {
		return false, errs.ConvertError(err)
	}

	start := time.Now()
	err = adapter.ServerDelete(ctx, &provider.ServerDeleteInput{InstanceID: server.InstanceID, Force: force})
	metrics.ProviderCallDuration.WithLabelValues("server_delete").Observe(time.Since(start).Seconds())
	if err != nil {
		return false, errs.ProviderError(err)
	}

	if err := m.archive(ctx, server); err != nil {
		return false, err
	}
	m.releaseServerQuota(ctx, server)
	return true, nil
}

// Action proxies a power/lifecycle action to the provider. The delete
// actions archive the row and release quota, same as Delete.
func (m *Manager) Action(ctx context.Context, server *model.Server, action provider.ServerAction) error {
	if !action.Valid() {
		return errs.InvalidArgument("invalid action.")
	}
	if server.Service == nil {
		return errs.ServiceNotExist("")
	}
	adapter, err := m.adapters.Build(server.Service)
	if err != nil {
		return errs.ConvertError(err)
	}

	start := time.Now()
	err = adapter.ServerAction(ctx, &provider.ServerActionInput{InstanceID: server.InstanceID, Action: action})
	metrics.ProviderCallDuration.WithLabelValues("server_action").Observe(time.Since(start).Seconds())
	if err != nil {
		return errs.ProviderError(err)
	}

	if action.IsDelete() {
		if err := m.archive(ctx, server); err != nil {
			return err
		}
		m.releaseServerQuota(ctx, server)
	}
	return nil
}

// archive copies the row into server_archive and removes it from the
// live table in one transaction.
func (m *Manager) archive(ctx context.Context, server *model.Server) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		arch := &model.ServerArchive{}
		arch.FromServer(server, time.Now())
		if err := tx.Create(arch).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Server{}, "id = ?", server.ID).Error
	})
}

// releaseServerQuota credits the server's footprint back to its quota.
// Failures are logged only: the provider instance is already gone and
// deletion has succeeded from the user's point of view.
func (m *Manager) releaseServerQuota(ctx context.Context, server *model.Server) {
	quotaID := ""
	if server.UserQuotaID != nil {
		quotaID = *server.UserQuotaID
	}
	var owner quota.Owner
	if server.Classification == model.ClassificationVo && server.VoID != nil {
		owner = quota.VoOwner{VoID: *server.VoID}
	} else {
		owner = quota.PersonalOwner{UserID: server.UserID}
	}
	err := m.ledger.ServerQuotaRelease(ctx, server.Service, owner,
		server.Vcpus, server.RamMB, server.PublicIP, quotaID)
	if err != nil {
		klog.ErrorS(err, "release server quota", "server", server.ID, "quota", quotaID)
	}
}

// Status maps the provider's status code onto the broker enumeration.
// Local override: a provider that cannot see the instance yet while we
// are still in-creating reports "building", masking the window between
// accepted create and visible instance. Observing a normal state while
// still in-creating finalizes the build inline.
func (m *Manager) Status(ctx context.Context, server *model.Server) (provider.ServerStatus, string, error) {
	if server.Service == nil {
		return 0, "", errs.ServiceNotExist("")
	}
	adapter, err := m.adapters.Build(server.Service)
	if err != nil {
		return 0, "", errs.ConvertError(err)
	}

	start := time.Now()
	out, err := adapter.ServerStatus(ctx, &provider.ServerStatusInput{InstanceID: server.InstanceID})
	metrics.ProviderCallDuration.WithLabelValues("server_status").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, "", errs.ProviderError(err)
	}

	code := out.Status
	if code.IsNormal() {
		if server.TaskStatus == model.TaskInCreating || !isIPv4(server.IPv4) {
			if _, err := m.updateServerDetail(ctx, server, model.TaskCreatedOK); err != nil {
				klog.V(4).Infof("inline detail refresh failed for server %s: %v", server.ID, err)
			}
		}
	}
	if code == provider.StatusNoState && server.TaskStatus == model.TaskInCreating {
		code = provider.StatusBuilding
	}
	return code, code.Text(), nil
}

// UpdateRemarks changes the free-form remark on a server.
func (m *Manager) UpdateRemarks(ctx context.Context, server *model.Server, remarks string) error {
	res := m.db.WithContext(ctx).Model(&model.Server{}).
		Where("id = ?", server.ID).Update("remarks", remarks)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ServerNotExist("")
	}
	server.Remarks = remarks
	return nil
}

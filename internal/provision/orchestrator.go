// Package provision drives a server creation request through its whole
// lifecycle: flavor and quota validation, network classification,
// ledger reservation, provider create, and either commit (a persisted
// Server in the in-creating state) or rollback (reservation released).
package provision

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
	"github.com/GOSC-CNIC/vms/internal/quota"
	"github.com/GOSC-CNIC/vms/pkg/metrics"
	"github.com/GOSC-CNIC/vms/pkg/provider"
)

type Orchestrator struct {
	db       *gorm.DB
	adapters *provider.Registry
	ledger   *quota.QuotaAPI
}

func NewOrchestrator(db *gorm.DB, adapters *provider.Registry, ledger *quota.QuotaAPI) *Orchestrator {
	return &Orchestrator{db: db, adapters: adapters, ledger: ledger}
}

// CreateParams is one server creation request. QuotaID is mandatory:
// the ledger's own record selection is scoped to a single service and
// owner, and this layer never picks a paying record across services on
// the caller's behalf.
type CreateParams struct {
	UserID    string
	VoID      string // non-empty for vo-owned servers
	ServiceID string
	ImageID   string
	FlavorID  string
	NetworkID string
	QuotaID   string
	Remarks   string
}

// CreateServer runs the provisioning sequence. Reservation failures
// abort with no side effects. A provider create failure after a
// successful reservation releases the reservation best-effort and
// returns the provider's own error, never the release's.
func (o *Orchestrator) CreateServer(ctx context.Context, p CreateParams) (*model.Server, error) {
	service, flavor, network, owner, adapter, err := o.validate(ctx, p)
	if err != nil {
		return nil, err
	}

	needsPublicIP := network.Public

	uq, err := o.ledger.ServerCreateQuotaApply(ctx, service, owner,
		flavor.Vcpus, flavor.RamMB, needsPublicIP, p.QuotaID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := adapter.ServerCreate(ctx, &provider.ServerCreateInput{
		RamMB:     flavor.RamMB,
		Vcpu:      flavor.Vcpus,
		ImageID:   p.ImageID,
		RegionID:  service.RegionID,
		NetworkID: p.NetworkID,
		Remarks:   p.Remarks,
	})
	metrics.ProviderCallDuration.WithLabelValues("server_create").Observe(time.Since(start).Seconds())
	if err != nil {
		o.rollbackReservation(ctx, service, owner, flavor, needsPublicIP, uq.ID)
		return nil, errs.ProviderError(err)
	}

	server, err := o.commit(ctx, p, service, flavor, uq, needsPublicIP, &out.Server)
	if err != nil {
		return nil, err
	}

	if provider.SyncDetailCapable(service.ServiceType) {
		o.syncDetail(ctx, server, adapter)
	} else if err := o.enqueueBuildTask(ctx, server.ID); err != nil {
		klog.ErrorS(err, "enqueue build task", "server", server.ID)
	}
	return server, nil
}

// validate resolves everything the create needs up front, including the
// provider adapter so it is built once per request.
func (o *Orchestrator) validate(ctx context.Context, p CreateParams) (
	*model.ServiceConfig, *model.Flavor, *provider.Network, quota.Owner, provider.Adapter, error,
) {
	if p.QuotaID == "" {
		return nil, nil, nil, nil, nil, errs.BadRequest("param quota_id is required.")
	}

	var service model.ServiceConfig
	err := o.db.WithContext(ctx).First(&service, "id = ? AND status = ?",
		p.ServiceID, model.ServiceStatusEnable).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, nil, nil, errs.ServiceNotExist("")
	}
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var flavor model.Flavor
	err = o.db.WithContext(ctx).First(&flavor, "id = ? AND enable = ?", p.FlavorID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, nil, nil, errs.FlavorNotExist("")
	}
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var owner quota.Owner
	if p.VoID != "" {
		var vo model.VirtualOrganization
		err = o.db.WithContext(ctx).First(&vo, "id = ? AND deleted = ?", p.VoID, false).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, nil, nil, errs.VoNotExist("")
		}
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		owner = quota.VoOwner{VoID: vo.ID}
	} else {
		owner = quota.PersonalOwner{UserID: p.UserID}
	}

	adapter, err := o.adapters.Build(&service)
	if err != nil {
		return nil, nil, nil, nil, nil, errs.ConvertError(err)
	}
	start := time.Now()
	netOut, err := adapter.NetworkDetail(ctx, &provider.NetworkDetailInput{NetworkID: p.NetworkID})
	metrics.ProviderCallDuration.WithLabelValues("network_detail").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, nil, nil, nil, nil, errs.ProviderError(err)
	}
	return &service, &flavor, &netOut.Network, owner, adapter, nil
}

// rollbackReservation undoes the ledger debit after a failed provider
// create. Failures are logged, never surfaced: the caller gets the
// provider error, not a secondary accounting error.
func (o *Orchestrator) rollbackReservation(
	ctx context.Context,
	service *model.ServiceConfig,
	owner quota.Owner,
	flavor *model.Flavor,
	publicIP bool,
	quotaID string,
) {
	metrics.ProvisionRollbacks.Inc()
	err := o.ledger.ServerQuotaRelease(ctx, service, owner,
		flavor.Vcpus, flavor.RamMB, publicIP, quotaID)
	if err != nil {
		klog.ErrorS(err, "rollback quota reservation", "service", service.ID, "quota", quotaID)
	}
}

func (o *Orchestrator) commit(
	ctx context.Context,
	p CreateParams,
	service *model.ServiceConfig,
	flavor *model.Flavor,
	uq *model.UserQuota,
	publicIP bool,
	out *provider.OutServer,
) (*model.Server, error) {
	server := &model.Server{
		ServiceID:      service.ID,
		InstanceID:     out.UUID,
		Name:           out.UUID,
		UserID:         p.UserID,
		UserQuotaID:    &uq.ID,
		Classification: uq.Classification,
		VoID:           uq.VoID,
		CenterQuota:    model.CenterQuotaPrivate,
		Vcpus:          flavor.Vcpus,
		RamMB:          flavor.RamMB,
		IPv4:           out.IP.IPv4,
		PublicIP:       publicIP,
		Image:          out.Image.Name,
		TaskStatus:     model.TaskInCreating,
	}
	if uq.DurationDays > 0 {
		t := time.Now().AddDate(0, 0, uq.DurationDays)
		server.ExpirationTime = &t
	}
	if err := o.db.WithContext(ctx).Create(server).Error; err != nil {
		// The provider instance exists but the local row does not;
		// leave the reservation in place so operators can reconcile.
		klog.ErrorS(err, "persist server row after provider create",
			"instance", out.UUID, "service", service.ID)
		return nil, err
	}
	server.Service = service
	server.UserQuota = uq
	return server, nil
}

// syncDetail performs the one inline detail fetch for providers whose
// create call settles synchronously, marking the build done when the
// response carries a usable address. Any failure here degrades to the
// async path.
func (o *Orchestrator) syncDetail(ctx context.Context, server *model.Server, adapter provider.Adapter) {
	start := time.Now()
	out, err := adapter.ServerDetail(ctx, &provider.ServerDetailInput{InstanceID: server.InstanceID})
	metrics.ProviderCallDuration.WithLabelValues("server_detail").Observe(time.Since(start).Seconds())
	if err != nil {
		klog.V(2).Infof("inline detail fetch failed for server %s: %v; falling back to reconciler", server.ID, err)
		if err := o.enqueueBuildTask(ctx, server.ID); err != nil {
			klog.ErrorS(err, "enqueue build task", "server", server.ID)
		}
		return
	}

	updates := map[string]any{}
	if out.Server.IP.IPv4 != "" {
		server.IPv4 = out.Server.IP.IPv4
		updates["ipv4"] = server.IPv4
	}
	if out.Server.Image.Name != "" {
		server.Image = out.Server.Image.Name
		updates["image"] = server.Image
	}
	if server.IPv4 != "" && server.Image != "" {
		server.TaskStatus = model.TaskCreatedOK
		updates["task_status"] = model.TaskCreatedOK
	}
	if len(updates) > 0 {
		if err := o.db.WithContext(ctx).Model(&model.Server{}).
			Where("id = ?", server.ID).Updates(updates).Error; err != nil {
			klog.ErrorS(err, "persist inline server detail", "server", server.ID)
		}
	}
	if server.TaskStatus == model.TaskInCreating {
		if err := o.enqueueBuildTask(ctx, server.ID); err != nil {
			klog.ErrorS(err, "enqueue build task", "server", server.ID)
		}
	}
}

func (o *Orchestrator) enqueueBuildTask(ctx context.Context, serverID string) error {
	task := &model.BuildTask{
		ServerID:    serverID,
		Status:      model.BuildTaskPending,
		NextAttempt: time.Now(),
	}
	return o.db.WithContext(ctx).Create(task).Error
}

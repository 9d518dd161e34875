package quota

import (
	"context"
	"time"

	"k8s.io/utils/ptr"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
)

// approvalWindowDays is how long a freshly granted quota stays usable
// before it expires, independent of the resources' own duration.
const approvalWindowDays = 30

// GrantParams describes a quota record to mint, either from an approved
// application or from an activity grant.
type GrantParams struct {
	Owner        Owner
	ServiceID    string
	PrivateIP    int
	PublicIP     int
	Vcpu         int
	RamMB        int
	DiskSizeGB   int
	DurationDays int
	Tag          model.QuotaTag
}

// GrantUserQuota mints a quota record. This is the only creation path;
// records never appear with non-zero used counters.
func (a *QuotaAPI) GrantUserQuota(ctx context.Context, p GrantParams) (*model.UserQuota, error) {
	if p.Owner == nil || p.ServiceID == "" {
		return nil, errs.BadRequest("quota grant needs an owner and a service.")
	}
	if p.Tag == 0 {
		p.Tag = model.QuotaTagBase
	}
	expire := time.Now().AddDate(0, 0, approvalWindowDays)
	q := &model.UserQuota{
		QuotaBase: model.QuotaBase{
			PrivateIPTotal: p.PrivateIP,
			PublicIPTotal:  p.PublicIP,
			VcpuTotal:      p.Vcpu,
			RamTotal:       p.RamMB,
			DiskSizeTotal:  p.DiskSizeGB,
		},
		Tag:            p.Tag,
		ServiceID:      p.ServiceID,
		Classification: p.Owner.Classification(),
		ExpirationTime: &expire,
		DurationDays:   p.DurationDays,
	}
	switch o := p.Owner.(type) {
	case PersonalOwner:
		q.UserID = ptr.To(o.UserID)
	case VoOwner:
		q.VoID = ptr.To(o.VoID)
	}
	if !q.OwnerConsistent() {
		return nil, errs.BadRequest("quota owner and classification do not agree.")
	}
	if err := a.db.WithContext(ctx).Create(q).Error; err != nil {
		return nil, err
	}
	return q, nil
}

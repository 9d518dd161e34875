package model

import (
	"fmt"
	"strings"
	"time"
)

// Quota tag
type QuotaTag int16

const (
	QuotaTagBase      QuotaTag = 1 // 普通配额
	QuotaTagProbation QuotaTag = 2 // 试用配额
)

// Quota ownership classification
type Classification string

const (
	ClassificationPersonal Classification = "personal"
	ClassificationVo       Classification = "vo"
)

// expireSlack treats a quota as expired slightly before the recorded
// time, so a reservation cannot land on a record that lapses mid-flight.
const expireSlack = time.Minute

// QuotaBase holds the total/used counters shared by every ledger table.
// Counters are mutated only through the quota ledger; direct writes
// elsewhere are the bug class this layout exists to eliminate.
type QuotaBase struct {
	PrivateIPTotal int `gorm:"not null;default:0;comment:总私网IP数" json:"private_ip_total"`
	PrivateIPUsed  int `gorm:"not null;default:0;comment:已用私网IP数" json:"private_ip_used"`
	PublicIPTotal  int `gorm:"not null;default:0;comment:总公网IP数" json:"public_ip_total"`
	PublicIPUsed   int `gorm:"not null;default:0;comment:已用公网IP数" json:"public_ip_used"`
	VcpuTotal      int `gorm:"not null;default:0;comment:总CPU核数" json:"vcpu_total"`
	VcpuUsed       int `gorm:"not null;default:0;comment:已用CPU核数" json:"vcpu_used"`
	RamTotal       int `gorm:"not null;default:0;comment:总内存大小(MB)" json:"ram_total"`
	RamUsed        int `gorm:"not null;default:0;comment:已用内存大小(MB)" json:"ram_used"`
	DiskSizeTotal  int `gorm:"not null;default:0;comment:总硬盘大小(GB)" json:"disk_size_total"`
	DiskSizeUsed   int `gorm:"not null;default:0;comment:已用硬盘大小(GB)" json:"disk_size_used"`
}

func (q *QuotaBase) VcpuFree() int      { return q.VcpuTotal - q.VcpuUsed }
func (q *QuotaBase) RamFree() int       { return q.RamTotal - q.RamUsed }
func (q *QuotaBase) DiskSizeFree() int  { return q.DiskSizeTotal - q.DiskSizeUsed }
func (q *QuotaBase) PublicIPFree() int  { return q.PublicIPTotal - q.PublicIPUsed }
func (q *QuotaBase) PrivateIPFree() int { return q.PrivateIPTotal - q.PrivateIPUsed }

// Consistent reports whether used <= total holds for every dimension.
// A false result indicates a ledger bug, never a legitimate state.
func (q *QuotaBase) Consistent() bool {
	return q.PrivateIPUsed <= q.PrivateIPTotal &&
		q.PublicIPUsed <= q.PublicIPTotal &&
		q.VcpuUsed <= q.VcpuTotal &&
		q.RamUsed <= q.RamTotal &&
		q.DiskSizeUsed <= q.DiskSizeTotal
}

// UserQuota is the balance sheet of reservable resources for one user
// or one VO group against one service.
type UserQuota struct {
	UUIDModel
	QuotaBase
	Tag            QuotaTag             `gorm:"type:smallint;default:1;comment:配额类型" json:"tag"`
	UserID         *string              `gorm:"type:varchar(36);index;comment:用户" json:"user_id"`
	User           *User                `gorm:"foreignKey:UserID" json:"user,omitempty"`
	VoID           *string              `gorm:"type:varchar(36);index;comment:项目组" json:"vo_id"`
	Vo             *VirtualOrganization `gorm:"foreignKey:VoID" json:"vo,omitempty"`
	ServiceID      string               `gorm:"type:varchar(36);index;comment:适用服务" json:"service_id"`
	Service        *ServiceConfig       `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
	Classification Classification       `gorm:"type:varchar(16);default:personal;comment:配额归属类型" json:"classification"`
	ExpirationTime *time.Time           `gorm:"comment:过期时间" json:"expiration_time"`
	DurationDays   int                  `gorm:"default:365;comment:资源使用时长(天)" json:"duration_days"`
	IsEmail        bool                 `gorm:"default:false;comment:是否已邮件通知" json:"is_email"`
	Deleted        bool                 `gorm:"default:false;comment:删除" json:"deleted"`
}

func (UserQuota) TableName() string {
	return "user_quota"
}

// IsExpired reports whether the quota can no longer pay for resources.
func (q *UserQuota) IsExpired(now time.Time) bool {
	if q.ExpirationTime == nil {
		return false
	}
	return now.Add(expireSlack).After(*q.ExpirationTime)
}

// OwnerConsistent reports whether exactly one of user/vo is set and the
// classification field agrees.
func (q *UserQuota) OwnerConsistent() bool {
	switch q.Classification {
	case ClassificationPersonal:
		return q.UserID != nil && *q.UserID != "" && q.VoID == nil
	case ClassificationVo:
		return q.VoID != nil && *q.VoID != ""
	default:
		return false
	}
}

// Display renders a short human summary, e.g. "[普通配额](vCPU: 10, RAM: 10240Mb)".
func (q *UserQuota) Display() string {
	var values []string
	if q.VcpuTotal > 0 {
		values = append(values, fmt.Sprintf("vCPU: %d", q.VcpuTotal))
	}
	if q.RamTotal > 0 {
		values = append(values, fmt.Sprintf("RAM: %dMb", q.RamTotal))
	}
	if q.DiskSizeTotal > 0 {
		values = append(values, fmt.Sprintf("Disk: %dGb", q.DiskSizeTotal))
	}
	if q.PublicIPTotal > 0 {
		values = append(values, fmt.Sprintf("PublicIP: %d", q.PublicIPTotal))
	}
	if q.PrivateIPTotal > 0 {
		values = append(values, fmt.Sprintf("PrivateIP: %d", q.PrivateIPTotal))
	}
	if q.DurationDays > 0 {
		values = append(values, fmt.Sprintf("Days: %d", q.DurationDays))
	}
	tag := "普通配额"
	if q.Tag == QuotaTagProbation {
		tag = "试用配额"
	}
	return fmt.Sprintf("[%s](%s)", tag, strings.Join(values, ", "))
}

// ServicePrivateQuota caps the total resources one service dedicates to
// this broker; debited alongside the owning user quota.
type ServicePrivateQuota struct {
	UUIDModel
	QuotaBase
	ServiceID string         `gorm:"type:varchar(36);uniqueIndex;comment:接入服务" json:"service_id"`
	Service   *ServiceConfig `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
	Enable    bool           `gorm:"default:true;comment:有效状态" json:"enable"`
}

func (ServicePrivateQuota) TableName() string {
	return "service_private_quota"
}

// ServiceShareQuota is the shared capacity a service exposes to the
// federation; used for administrative capacity planning.
type ServiceShareQuota struct {
	UUIDModel
	QuotaBase
	ServiceID string         `gorm:"type:varchar(36);uniqueIndex;comment:接入服务" json:"service_id"`
	Service   *ServiceConfig `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
	Enable    bool           `gorm:"default:true;comment:有效状态" json:"enable"`
}

func (ServiceShareQuota) TableName() string {
	return "service_share_quota"
}

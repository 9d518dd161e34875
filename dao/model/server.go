package model

import (
	"time"

	"gorm.io/gorm"
)

// Server task status: the local view of the provider-side build.
type TaskStatus int16

const (
	TaskInCreating   TaskStatus = 1 // 创建中
	TaskCreatedOK    TaskStatus = 2 // 创建成功
	TaskCreateFailed TaskStatus = 3 // 创建失败
)

// Which service ledger paid for the server.
type CenterQuota int16

const (
	CenterQuotaPrivate CenterQuota = 1
	CenterQuotaShare   CenterQuota = 2
)

// Server is a virtual server record tied to the provider instance that
// backs it and to the quota record that paid for it.
type Server struct {
	UUIDModel
	ServiceID      string               `gorm:"type:varchar(36);index;comment:接入服务" json:"service_id"`
	Service        *ServiceConfig       `gorm:"foreignKey:ServiceID" json:"service,omitempty"`
	Name           string               `gorm:"type:varchar(255);comment:名称" json:"name"`
	InstanceID     string               `gorm:"type:varchar(128);not null;comment:服务商实例ID" json:"instance_id"`
	UserID         string               `gorm:"type:varchar(36);index;comment:创建者" json:"user_id"`
	User           *User                `gorm:"foreignKey:UserID" json:"user,omitempty"`
	UserQuotaID    *string              `gorm:"type:varchar(36);index;comment:支付配额" json:"user_quota_id"`
	UserQuota      *UserQuota           `gorm:"foreignKey:UserQuotaID" json:"user_quota,omitempty"`
	Classification Classification       `gorm:"type:varchar(16);default:personal;comment:归属类型" json:"classification"`
	VoID           *string              `gorm:"type:varchar(36);index;comment:项目组" json:"vo_id"`
	Vo             *VirtualOrganization `gorm:"foreignKey:VoID" json:"vo,omitempty"`
	CenterQuota    CenterQuota          `gorm:"type:smallint;default:1;comment:服务配额类型" json:"center_quota"`
	Vcpus          int                  `gorm:"not null;default:0;comment:虚拟CPU数" json:"vcpus"`
	RamMB          int                  `gorm:"column:ram;not null;default:0;comment:内存大小(MB)" json:"ram"`
	IPv4           string               `gorm:"column:ipv4;type:varchar(128);comment:IPV4地址" json:"ipv4"`
	PublicIP       bool                 `gorm:"default:false;comment:是否公网IP" json:"public_ip"`
	Image          string               `gorm:"type:varchar(255);comment:镜像系统名称" json:"image"`
	Remarks        string               `gorm:"type:varchar(255);comment:备注" json:"remarks"`
	TaskStatus     TaskStatus           `gorm:"type:smallint;default:1;comment:创建状态" json:"task_status"`
	ExpirationTime *time.Time           `gorm:"comment:过期时间" json:"expiration_time"`
}

func (Server) TableName() string {
	return "server"
}

// OwnerConsistent mirrors the quota invariant: classification vo iff a
// VO reference is present.
func (s *Server) OwnerConsistent() bool {
	if s.Classification == ClassificationVo {
		return s.VoID != nil && *s.VoID != ""
	}
	return s.VoID == nil
}

// ServerArchive is the immutable audit copy of a deleted server. Rows
// are written once through FromServer and never updated.
type ServerArchive struct {
	UUIDModel
	ServerID       string         `gorm:"type:varchar(36);index;comment:原server ID" json:"server_id"`
	ServiceID      string         `gorm:"type:varchar(36);index;comment:接入服务" json:"service_id"`
	Name           string         `gorm:"type:varchar(255);comment:名称" json:"name"`
	InstanceID     string         `gorm:"type:varchar(128);comment:服务商实例ID" json:"instance_id"`
	UserID         string         `gorm:"type:varchar(36);index;comment:创建者" json:"user_id"`
	UserQuotaID    *string        `gorm:"type:varchar(36);comment:支付配额" json:"user_quota_id"`
	QuotaTag       QuotaTag       `gorm:"type:smallint;default:1;comment:配额类型" json:"quota_tag"`
	Classification Classification `gorm:"type:varchar(16);default:personal;comment:归属类型" json:"classification"`
	VoID           *string        `gorm:"type:varchar(36);comment:项目组" json:"vo_id"`
	CenterQuota    CenterQuota    `gorm:"type:smallint;default:1;comment:服务配额类型" json:"center_quota"`
	Vcpus          int            `gorm:"not null;default:0;comment:虚拟CPU数" json:"vcpus"`
	RamMB          int            `gorm:"column:ram;not null;default:0;comment:内存大小(MB)" json:"ram"`
	IPv4           string         `gorm:"column:ipv4;type:varchar(128);comment:IPV4地址" json:"ipv4"`
	PublicIP       bool           `gorm:"default:false;comment:是否公网IP" json:"public_ip"`
	Image          string         `gorm:"type:varchar(255);comment:镜像系统名称" json:"image"`
	Remarks        string         `gorm:"type:varchar(255);comment:备注" json:"remarks"`
	TaskStatus     TaskStatus     `gorm:"type:smallint;default:1;comment:创建状态" json:"task_status"`
	ServerCreated  time.Time      `gorm:"comment:server创建时间" json:"server_creation_time"`
	DeletedTime    time.Time      `gorm:"comment:删除时间" json:"deleted_time"`
}

func (ServerArchive) TableName() string {
	return "server_archive"
}

// FromServer snapshots a live row for archiving. Quota tag is captured
// at deletion time because the quota record itself may outlive or
// predecease the server.
func (a *ServerArchive) FromServer(s *Server, now time.Time) {
	a.ServerID = s.ID
	a.ServiceID = s.ServiceID
	a.Name = s.Name
	a.InstanceID = s.InstanceID
	a.UserID = s.UserID
	a.UserQuotaID = s.UserQuotaID
	if s.UserQuota != nil {
		a.QuotaTag = s.UserQuota.Tag
	} else {
		a.QuotaTag = QuotaTagBase
	}
	a.Classification = s.Classification
	a.VoID = s.VoID
	a.CenterQuota = s.CenterQuota
	a.Vcpus = s.Vcpus
	a.RamMB = s.RamMB
	a.IPv4 = s.IPv4
	a.PublicIP = s.PublicIP
	a.Image = s.Image
	a.Remarks = s.Remarks
	a.TaskStatus = s.TaskStatus
	a.ServerCreated = s.CreationTime
	a.DeletedTime = now
}

// BuildTask status
type BuildTaskStatus string

const (
	BuildTaskPending BuildTaskStatus = "pending"
	BuildTaskDone    BuildTaskStatus = "done"
	BuildTaskFailed  BuildTaskStatus = "failed"
)

// BuildTask is one durable "poll this server until its create result is
// known" work item for the build-status reconciler.
type BuildTask struct {
	UUIDModel
	ServerID    string          `gorm:"type:varchar(36);uniqueIndex;comment:server ID" json:"server_id"`
	Status      BuildTaskStatus `gorm:"type:varchar(16);default:pending;index;comment:任务状态" json:"status"`
	Attempts    int             `gorm:"default:0;comment:已尝试次数" json:"attempts"`
	NextAttempt time.Time       `gorm:"index;comment:下次尝试时间" json:"next_attempt"`
	LastError   string          `gorm:"type:varchar(512);comment:最近一次错误" json:"last_error"`
}

func (BuildTask) TableName() string {
	return "server_build_task"
}

func (t *BuildTask) BeforeCreate(tx *gorm.DB) error {
	if err := t.UUIDModel.BeforeCreate(tx); err != nil {
		return err
	}
	if t.NextAttempt.IsZero() {
		t.NextAttempt = time.Now()
	}
	return nil
}

package model

// VO group status
type VoStatus string

const (
	VoStatusActive  VoStatus = "active"
	VoStatusDisable VoStatus = "disable"
	VoStatusDeleted VoStatus = "deleted"
)

// VirtualOrganization is a group entity that can own quota and servers
// collectively.
type VirtualOrganization struct {
	UUIDModel
	Name        string   `gorm:"type:varchar(255);not null;comment:组名称" json:"name"`
	Company     string   `gorm:"type:varchar(256);comment:单位" json:"company"`
	Description string   `gorm:"type:varchar(1024);comment:组描述" json:"description"`
	OwnerID     string   `gorm:"type:varchar(36);index;comment:所有者" json:"owner_id"`
	Owner       *User    `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Status      VoStatus `gorm:"type:varchar(16);default:active;comment:组状态" json:"status"`
	Deleted     bool     `gorm:"default:false;comment:删除" json:"deleted"`
}

func (VirtualOrganization) TableName() string {
	return "virtual_organization"
}

type VoMemberRole string

const (
	VoRoleLeader VoMemberRole = "leader"
	VoRoleMember VoMemberRole = "member"
)

// VoMember links a user into a VO group with a role. The group owner is
// implicitly a leader and has no member row.
type VoMember struct {
	UUIDModel
	VoID   string       `gorm:"type:varchar(36);index;comment:项目组" json:"vo_id"`
	UserID string       `gorm:"type:varchar(36);index;comment:用户" json:"user_id"`
	Role   VoMemberRole `gorm:"type:varchar(16);default:member;comment:组角色" json:"role"`
}

func (VoMember) TableName() string {
	return "vo_member"
}

package model

// User is the basic identity row. Authentication happens upstream; the
// broker only needs a stable owner reference for quotas and servers.
type User struct {
	UUIDModel
	Username string `gorm:"uniqueIndex;type:varchar(128);not null;comment:用户名" json:"username"`
	Email    string `gorm:"type:varchar(254);comment:邮箱" json:"email"`
}

func (User) TableName() string {
	return "users"
}

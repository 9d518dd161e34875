package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UUIDModel is the base for all broker tables. Identifiers are opaque
// unique tokens generated at record-creation time, never sequential.
type UUIDModel struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CreationTime time.Time `gorm:"autoCreateTime;comment:创建时间" json:"creation_time"`
}

func (m *UUIDModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

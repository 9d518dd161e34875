package quota

import (
	"gorm.io/gorm"

	"github.com/GOSC-CNIC/vms/dao/model"
)

// Owner is the tagged variant for who a quota record belongs to. It is
// resolved once at request entry; branching on classification strings
// deeper in the call chain is the pattern this replaces.
type Owner interface {
	Classification() model.Classification
	// Scope narrows a user_quota query to records this owner may spend.
	Scope(tx *gorm.DB) *gorm.DB
	// Matches reports whether the record belongs to this owner.
	Matches(q *model.UserQuota) bool
}

// PersonalOwner spends quota records owned by a single user.
type PersonalOwner struct {
	UserID string
}

func (o PersonalOwner) Classification() model.Classification {
	return model.ClassificationPersonal
}

func (o PersonalOwner) Scope(tx *gorm.DB) *gorm.DB {
	return tx.Where("classification = ? AND user_id = ?", model.ClassificationPersonal, o.UserID)
}

func (o PersonalOwner) Matches(q *model.UserQuota) bool {
	return q.Classification == model.ClassificationPersonal &&
		q.UserID != nil && *q.UserID == o.UserID
}

// VoOwner spends quota records owned by a VO group.
type VoOwner struct {
	VoID string
}

func (o VoOwner) Classification() model.Classification {
	return model.ClassificationVo
}

func (o VoOwner) Scope(tx *gorm.DB) *gorm.DB {
	return tx.Where("classification = ? AND vo_id = ?", model.ClassificationVo, o.VoID)
}

func (o VoOwner) Matches(q *model.UserQuota) bool {
	return q.Classification == model.ClassificationVo &&
		q.VoID != nil && *q.VoID == o.VoID
}

// OwnerOfQuota rebuilds the owner variant from a stored record.
func OwnerOfQuota(q *model.UserQuota) Owner {
	if q.Classification == model.ClassificationVo && q.VoID != nil {
		return VoOwner{VoID: *q.VoID}
	}
	userID := ""
	if q.UserID != nil {
		userID = *q.UserID
	}
	return PersonalOwner{UserID: userID}
}

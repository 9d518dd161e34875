package servermgr

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/errs"
)

// Read access: the owner for personal servers, any vo member for vo
// servers. Manage access (delete, actions, remarks): the owner for
// personal servers; the vo owner, vo leaders and the server's creator
// for vo servers.

func (m *Manager) CheckReadPerm(ctx context.Context, server *model.Server, userID string) error {
	if server.Classification != model.ClassificationVo {
		if server.UserID != userID {
			return errs.AccessDenied("you do not have permission of this server.")
		}
		return nil
	}
	ok, err := m.voMembership(ctx, server, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.AccessDenied("you do not have permission of this vo server.")
	}
	return nil
}

func (m *Manager) CheckManagePerm(ctx context.Context, server *model.Server, userID string) error {
	if server.Classification != model.ClassificationVo {
		if server.UserID != userID {
			return errs.AccessDenied("you do not have permission of this server.")
		}
		return nil
	}
	if server.UserID == userID {
		return nil
	}
	vo, err := m.loadVo(ctx, server)
	if err != nil {
		return err
	}
	if vo.OwnerID == userID {
		return nil
	}
	var member model.VoMember
	err = m.db.WithContext(ctx).
		Where("vo_id = ? AND user_id = ? AND role = ?", vo.ID, userID, model.VoRoleLeader).
		First(&member).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.AccessDenied("you do not have manage permission of this vo server.")
	}
	return err
}

func (m *Manager) voMembership(ctx context.Context, server *model.Server, userID string) (bool, error) {
	vo, err := m.loadVo(ctx, server)
	if err != nil {
		return false, err
	}
	if vo.OwnerID == userID {
		return true, nil
	}
	var count int64
	err = m.db.WithContext(ctx).Model(&model.VoMember{}).
		Where("vo_id = ? AND user_id = ?", vo.ID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *Manager) loadVo(ctx context.Context, server *model.Server) (*model.VirtualOrganization, error) {
	if server.Vo != nil {
		return server.Vo, nil
	}
	if server.VoID == nil {
		return nil, errs.VoNotExist("")
	}
	var vo model.VirtualOrganization
	err := m.db.WithContext(ctx).First(&vo, "id = ?", *server.VoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.VoNotExist("")
	}
	if err != nil {
		return nil, err
	}
	server.Vo = &vo
	return &vo, nil
}

package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"k8s.io/utils/ptr"

	"github.com/GOSC-CNIC/vms/dao/model"
)

func newNotifyDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.UserQuota{}))
	return db
}

func seedQuota(t *testing.T, db *gorm.DB, username string, expire time.Time, isEmail bool) *model.UserQuota {
	t.Helper()
	u := &model.User{Username: username, Email: username + "@cnic.cn"}
	require.NoError(t, db.Create(u).Error)
	q := &model.UserQuota{
		QuotaBase:      model.QuotaBase{VcpuTotal: 10, RamTotal: 10240},
		UserID:         ptr.To(u.ID),
		ServiceID:      "svc-1",
		Classification: model.ClassificationPersonal,
		ExpirationTime: &expire,
		IsEmail:        isEmail,
	}
	require.NoError(t, db.Create(q).Error)
	return q
}

func TestSweepExpiringMailsOncePerRecord(t *testing.T) {
	db := newNotifyDB(t)
	n := NewNotifier(db, SMTP{Sender: "noreply@cnic.cn"}, 7)

	var sentTo []string
	n.send = func(m *gomail.Message) error {
		sentTo = append(sentTo, m.GetHeader("To")...)
		return nil
	}

	soon := time.Now().AddDate(0, 0, 3)
	far := time.Now().AddDate(0, 0, 30)
	// records are minted with is_email at its zero value, so a freshly
	// granted quota is eligible as soon as it enters the window
	expiring := seedQuota(t, db, "zhangsan", soon, false)
	seedQuota(t, db, "lisi", far, false)   // outside the window
	seedQuota(t, db, "wangwu", soon, true) // already notified

	sent, err := n.SweepExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"zhangsan@cnic.cn"}, sentTo)

	// the flag is set, so the next sweep mails nobody
	var q model.UserQuota
	require.NoError(t, db.First(&q, "id = ?", expiring.ID).Error)
	assert.True(t, q.IsEmail)

	sent, err = n.SweepExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestSweepExpiringDoesNotMarkOnSendFailure(t *testing.T) {
	db := newNotifyDB(t)
	n := NewNotifier(db, SMTP{Sender: "noreply@cnic.cn"}, 7)
	n.send = func(_ *gomail.Message) error { return errors.New("smtp unreachable") }

	q := seedQuota(t, db, "zhangsan", time.Now().AddDate(0, 0, 2), false)

	sent, err := n.SweepExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// not marked, retried on the next sweep
	var saved model.UserQuota
	require.NoError(t, db.First(&saved, "id = ?", q.ID).Error)
	assert.False(t, saved.IsEmail)
}

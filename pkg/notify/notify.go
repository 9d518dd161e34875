// Package notify mails users whose quota records are about to expire.
// The is_email column marks records already notified, so each record is
// mailed at most once per expiry.
package notify

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao/model"
)

type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	Sender   string
}

type Notifier struct {
	db        *gorm.DB
	smtp      SMTP
	aheadDays int

	// send is swappable in tests.
	send func(m *gomail.Message) error
}

func NewNotifier(db *gorm.DB, smtp SMTP, aheadDays int) *Notifier {
	if aheadDays <= 0 {
		aheadDays = 7
	}
	n := &Notifier{db: db, smtp: smtp, aheadDays: aheadDays}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(smtp.Host, smtp.Port, smtp.User, smtp.Password)
		return d.DialAndSend(m)
	}
	return n
}

// SweepExpiring mails the owners of quota records expiring within the
// ahead window that have not been notified yet. The is_email flag is
// set on successful delivery so the next sweep skips the record.
// Intended to run from cron.
func (n *Notifier) SweepExpiring(ctx context.Context) (int, error) {
	deadline := time.Now().AddDate(0, 0, n.aheadDays)
	var quotas []model.UserQuota
	err := n.db.WithContext(ctx).
		Preload("User").
		Where("deleted = ? AND is_email = ?", false, false).
		Where("expiration_time IS NOT NULL AND expiration_time <= ?", deadline).
		Find(&quotas).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range quotas {
		q := &quotas[i]
		if q.User == nil || q.User.Email == "" {
			klog.Warningf("quota %s owner has no email address", q.ID)
			continue
		}
		if err := n.sendExpiryMail(q); err != nil {
			klog.ErrorS(err, "send expiry mail", "quota", q.ID, "to", q.User.Email)
			continue
		}
		err := n.db.WithContext(ctx).Model(&model.UserQuota{}).
			Where("id = ?", q.ID).Update("is_email", true).Error
		if err != nil {
			klog.ErrorS(err, "mark is_email", "quota", q.ID)
			continue
		}
		sent++
	}
	if sent > 0 {
		klog.Infof("quota expiry sweep mailed %d users", sent)
	}
	return sent, nil
}

func (n *Notifier) sendExpiryMail(q *model.UserQuota) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.smtp.Sender)
	m.SetHeader("To", q.User.Email)
	m.SetHeader("Subject", "云主机配额即将过期通知")
	body := fmt.Sprintf(
		"您好 %s：\n\n您的云主机资源配额（%s）将于 %s 过期，过期后将无法用于创建云主机。\n如需继续使用请及时续期。\n",
		q.User.Username, q.Display(), q.ExpirationTime.Format("2006-01-02 15:04"))
	m.SetBody("text/plain", body)
	return n.send(m)
}

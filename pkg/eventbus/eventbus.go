// Package eventbus 基于事务性 Outbox 的领域事件发布
package eventbus

import (
	"context"

	"github.com/wyfcoding/backoffice/pkg/db"
	"github.com/wyfcoding/pkg/messagequeue/outbox"
	"gorm.io/gorm"
)

// 领域事件主题
const (
	TopicConversionApproved   = "backoffice.conversion.approved"
	TopicConversionRejected   = "backoffice.conversion.rejected"
	TopicConversionReconciled = "backoffice.conversion.reconciled"
)

// Publisher 在当前业务事务内写入 Outbox 消息，由后台 Processor 异步投递
type Publisher struct {
	mgr      *outbox.Manager
	fallback *gorm.DB
}

func NewPublisher(mgr *outbox.Manager, fallback *gorm.DB) *Publisher {
	return &Publisher{mgr: mgr, fallback: fallback}
}

// PublishInTx 消息与业务变更同事务提交，事务回滚时消息一并丢弃
func (p *Publisher) PublishInTx(ctx context.Context, topic, key string, payload any) error {
	return p.mgr.PublishInTx(db.FromContext(ctx, p.fallback), topic, key, payload)
}

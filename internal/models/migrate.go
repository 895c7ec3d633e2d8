package models

import "gorm.io/gorm"

// All lists every persisted model.
func All() []interface{} {
	return []interface{}{
		&Rule{},
		&RuleVersion{},
		&AutomationExecution{},
		&Webhook{},
		&WebhookDelivery{},
		&WebhookDeliveryAttempt{},
	}
}

// AutoMigrate 自动迁移所有模型并创建复合索引
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(All()...); err != nil {
		return err
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_rules_tenant_trigger ON rules(tenant_id, trigger_kind, event_type)",
		"CREATE INDEX IF NOT EXISTS idx_webhooks_tenant_event ON webhooks(tenant_id, event_type)",
		"CREATE INDEX IF NOT EXISTS idx_deliveries_status_next_retry ON webhook_deliveries(status, next_retry_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

package shared

import "fmt"

// BillingRunLockKey builds the redis key guarding a company's monthly run.
func BillingRunLockKey(companyID int64, month string) string {
	return fmt.Sprintf("billing:run:%d:%s:lock", companyID, month)
}

// SettingsCacheKey builds the redis key for cached company settings.
func SettingsCacheKey(version int, companyID int64) string {
	return fmt.Sprintf("billing:settings:v%d:%d", version, companyID)
}

// Package auth определяет tenant запроса.
//
// Каждый запрос к /api/v1 несёт Authorization: Bearer <token>.
// Токен проверяется TokenVerifier (OIDC провайдер), tenant берётся
// из claim, имя которого задаётся конфигурацией (по умолчанию tenant_id).
// В dev режиме tenant можно передать заголовком X-Tenant-ID без токена.
package auth

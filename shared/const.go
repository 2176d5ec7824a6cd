package shared

const (
	ServiceID = "service_id"

	// Named policy buckets. Callers pick one per protected surface.
	EndpointDefault            = "default"
	EndpointChatSend           = "chat_send"
	EndpointChatSendEnterprise = "chat_send_enterprise"
	EndpointChatRead           = "chat_read"
	EndpointCheckout           = "checkout"
	EndpointDashboardLink      = "dashboard_link"
	EndpointAPIGeneral         = "api_general"
	EndpointAPIStrict          = "api_strict"

	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderAdminKey           = "X-Admin-Key"

	DefaultRetentionDays = 7
)

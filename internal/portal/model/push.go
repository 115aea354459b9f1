package model

import "time"

// Push notification kinds. Customers receive the first three, admins the rest.
const (
	NotifInstanceProvisioned   = "instance_provisioned"
	NotifSubscriptionExpired   = "subscription_expired"
	NotifTicketReply           = "ticket_reply"
	NotifSubscriptionPurchased = "subscription_purchased"
	NotifTicketCreated         = "ticket_created"
)

// NotificationTypes lists the push kinds a role can receive.
func NotificationTypes(role Role) []string {
	if role == RoleAdmin {
		return []string{NotifSubscriptionPurchased, NotifTicketCreated, NotifTicketReply, NotifSubscriptionExpired}
	}
	return []string{NotifInstanceProvisioned, NotifSubscriptionExpired, NotifTicketReply}
}

type PushSubscription struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	P256dhKey  string    `json:"-"`
	AuthKey    string    `json:"-"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}

type NotificationPreference struct {
	NotificationType string `json:"type"`
	Enabled          bool   `json:"enabled"`
}

package settings

import (
	"github.com/polisafe/securecore/pkg/subject"
)

// SecuritySetting is per-subject security configuration. It is pure data:
// the trust engine and auth flow consume it read-only and never mutate it.
type SecuritySetting struct {
	Subject                 subject.Subject `json:"subject"`
	SessionTimeoutSeconds   int             `json:"session_timeout_seconds" env:"SESSION_TIMEOUT_SECONDS" env-default:"3600"`
	DeviceTrustDurationDays int             `json:"device_trust_duration_days" env:"DEVICE_TRUST_DURATION_DAYS" env-default:"30"`
	TwoFactorEnabled        bool            `json:"two_factor_enabled" env:"TWO_FACTOR_ENABLED" env-default:"true"`
	DeviceTrackingEnabled   bool            `json:"device_tracking_enabled" env:"DEVICE_TRACKING_ENABLED" env-default:"true"`
	LoginNotifications      bool            `json:"login_notifications" env:"LOGIN_NOTIFICATIONS" env-default:"true"`
	SecurityAlerts          bool            `json:"security_alerts" env:"SECURITY_ALERTS" env-default:"true"`

	// NotificationPreferences maps channel names (email, sms, slack) to
	// whether the subject wants security notices there. Delivery itself is an
	// external collaborator.
	NotificationPreferences map[string]bool `json:"notification_preferences"`
}

// Default returns the default security settings for a subject
func Default(subj subject.Subject) SecuritySetting {
	return SecuritySetting{
		Subject:                 subj,
		SessionTimeoutSeconds:   3600,
		DeviceTrustDurationDays: 30,
		TwoFactorEnabled:        true,
		DeviceTrackingEnabled:   true,
		LoginNotifications:      true,
		SecurityAlerts:          true,
		NotificationPreferences: map[string]bool{
			"email": true,
			"sms":   false,
		},
	}
}

// Provider resolves the settings for a subject. Implementations typically
// overlay stored preferences on the defaults.
type Provider interface {
	SettingsFor(subj subject.Subject) SecuritySetting
}

// DefaultProvider always returns the default settings
type DefaultProvider struct{}

func (DefaultProvider) SettingsFor(subj subject.Subject) SecuritySetting {
	return Default(subj)
}

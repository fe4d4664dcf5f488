package push

import (
	"fmt"

	"carelink-backend/pkg/env"
)

// NewProviderFromEnv selects a push provider based on PUSH_PROVIDER.
// Supported values: fcm, apns, mock. Production deployments must not use mock.
func NewProviderFromEnv() (Provider, error) {
	switch env.GetString("PUSH_PROVIDER", "mock") {
	case "fcm":
		return NewFCMProvider(&FCMConfig{
			CredentialsPath: env.GetStringFromFile("FCM_CREDENTIALS_PATH", ""),
			ProjectID:       env.GetStringFromFile("FCM_PROJECT_ID", ""),
		})
	case "apns":
		return NewAPNsProvider(&APNsConfig{
			KeyPath:    env.GetStringFromFile("APNS_KEY_PATH", ""),
			KeyID:      env.GetString("APNS_KEY_ID", ""),
			TeamID:     env.GetString("APNS_TEAM_ID", ""),
			BundleID:   env.GetString("APNS_BUNDLE_ID", ""),
			Production: env.GetBool("APNS_PRODUCTION", false),
		})
	case "mock", "":
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", env.GetString("PUSH_PROVIDER", ""))
	}
}

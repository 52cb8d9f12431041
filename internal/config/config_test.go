package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":          "postgres://localhost:5432/checkout",
		"REDIS_URL":             "redis://localhost:6379/0",
		"CRYPTOMUS_MERCHANT_ID": "merchant-1",
		"CRYPTOMUS_API_KEY":     "api-key",
		"ORDER_TOKEN_SECRET":    "0123456789abcdef0123456789abcdef",
		"PUBLIC_BASE_URL":       "https://shop.example/",
		"CALLBACK_BASE_URL":     "",
		"BUNDLE_PRICE":          "",
		"CRYPTOMUS_TIMEOUT":     "",
		"WEBHOOK_ALLOWED_IPS":   "",
		"NOTIFY_EMAIL_ENABLED":  "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "12.99", cfg.Bundle.Price.StringFixed(2))
	require.Equal(t, "USD", cfg.Bundle.Currency)
	require.Equal(t, 7200, cfg.Cryptomus.Lifetime)
	require.Equal(t, 100, cfg.Cryptomus.Subtract)
	require.Equal(t, 5*time.Second, cfg.Cryptomus.Timeout)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 24*time.Hour, cfg.OrderTokenTTL)
	require.True(t, cfg.NotifyEmailEnabled)
	require.Equal(t, "https://shop.example/api/v1/webhooks/cryptomus", cfg.CallbackURL())
	require.Equal(t, "https://shop.example/success", cfg.ReturnURL())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["CALLBACK_BASE_URL"] = "https://api.example"
	env["BUNDLE_PRICE"] = "19.50"
	env["CRYPTOMUS_TIMEOUT"] = "2s"
	env["WEBHOOK_ALLOWED_IPS"] = "91.227.144.54, 10.0.0.0/8"
	env["NOTIFY_EMAIL_ENABLED"] = "false"

	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "19.5", cfg.Bundle.Price.String())
	require.Equal(t, 2*time.Second, cfg.Cryptomus.Timeout)
	require.Equal(t, []string{"91.227.144.54", "10.0.0.0/8"}, cfg.Webhook.AllowedIPs)
	require.False(t, cfg.NotifyEmailEnabled)
	require.Equal(t, "https://api.example/api/v1/webhooks/cryptomus", cfg.CallbackURL())
}

func TestLoadRequiresKeys(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "CRYPTOMUS_MERCHANT_ID", "CRYPTOMUS_API_KEY", "ORDER_TOKEN_SECRET"} {
		t.Run(key, func(t *testing.T) {
			env := baseEnv()
			env[key] = ""
			_, err := LoadForTests(env)
			require.ErrorContains(t, err, key)
		})
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	env := baseEnv()
	env["ORDER_TOKEN_SECRET"] = "short"
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "at least 32 bytes")

	env = baseEnv()
	env["BUNDLE_PRICE"] = "-1"
	_, err = LoadForTests(env)
	require.ErrorContains(t, err, "BUNDLE_PRICE")
}

func TestHTTPAddr(t *testing.T) {
	require.Equal(t, ":8080", (&Config{}).HTTPAddr())
	require.Equal(t, ":9000", (&Config{Port: "9000"}).HTTPAddr())
	require.Equal(t, ":9001", (&Config{Port: ":9001"}).HTTPAddr())
}

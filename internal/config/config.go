// Package config maps viper keys to a typed configuration for the sync
// service. Flags and environment variables are bound in internal/app.
package config

import (
	"time"

	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr string
	DBPath   string

	NATSUrl string

	NotificationURL string
	PushPlanTiers   []string

	JWKSUrl     string
	JWTIssuer   string
	JWTAudience string

	PollInterval   time.Duration
	SweepInterval  time.Duration
	ThresholdHours int
	Concurrency    int

	Microsoft OAuthClient
	Google    OAuthClient
}

// OAuthClient holds one provider's OAuth application credentials.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// SetDefaults registers defaults for every key before flags and env
// variables are read.
func SetDefaults() {
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("database.path", "data/unibox.db")
	viper.SetDefault("nats.url", "")
	viper.SetDefault("webhook.notification_url", "")
	viper.SetDefault("webhook.plan_tiers", []string{"pro", "enterprise"})
	viper.SetDefault("scheduler.poll_interval", "5m")
	viper.SetDefault("scheduler.sweep_interval", "1h")
	viper.SetDefault("scheduler.threshold_hours", 12)
	viper.SetDefault("scheduler.concurrency", 4)
	viper.SetDefault("oauth.microsoft.scopes", []string{"offline_access", "Mail.ReadWrite"})
	viper.SetDefault("oauth.google.scopes", []string{"https://www.googleapis.com/auth/gmail.readonly"})
}

// Load reads the current viper state into a Config.
func Load() Config {
	return Config{
		HTTPAddr:        viper.GetString("http.addr"),
		DBPath:          viper.GetString("database.path"),
		NATSUrl:         viper.GetString("nats.url"),
		NotificationURL: viper.GetString("webhook.notification_url"),
		PushPlanTiers:   viper.GetStringSlice("webhook.plan_tiers"),
		JWKSUrl:         viper.GetString("jwt.jwks_url"),
		JWTIssuer:       viper.GetString("jwt.issuer"),
		JWTAudience:     viper.GetString("jwt.audience"),
		PollInterval:    viper.GetDuration("scheduler.poll_interval"),
		SweepInterval:   viper.GetDuration("scheduler.sweep_interval"),
		ThresholdHours:  viper.GetInt("scheduler.threshold_hours"),
		Concurrency:     viper.GetInt("scheduler.concurrency"),
		Microsoft: OAuthClient{
			ClientID:     viper.GetString("oauth.microsoft.client_id"),
			ClientSecret: viper.GetString("oauth.microsoft.client_secret"),
			Scopes:       viper.GetStringSlice("oauth.microsoft.scopes"),
		},
		Google: OAuthClient{
			ClientID:     viper.GetString("oauth.google.client_id"),
			ClientSecret: viper.GetString("oauth.google.client_secret"),
			Scopes:       viper.GetStringSlice("oauth.google.scopes"),
		},
	}
}

// MicrosoftOAuth builds the oauth2 config used to refresh Microsoft tokens.
func (c Config) MicrosoftOAuth() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.Microsoft.ClientID,
		ClientSecret: c.Microsoft.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes:       c.Microsoft.Scopes,
	}
}

// GoogleOAuth builds the oauth2 config used to refresh Google tokens.
func (c Config) GoogleOAuth() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       c.Google.Scopes,
	}
}

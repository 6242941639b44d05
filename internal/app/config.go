package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/mallreview/internal/observability"
	"github.com/florianilch/mallreview/internal/tokensource"
	"github.com/florianilch/mallreview/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Encryption selects how the refresh token is protected at rest.
type Encryption string

const (
	// EncryptionAuto encrypts when the OS keyring is usable and falls back to cleartext.
	EncryptionAuto Encryption = "auto"
	// EncryptionKeyring refuses to write cleartext tokens.
	EncryptionKeyring Encryption = "keyring"
	// EncryptionNone always writes cleartext tokens.
	EncryptionNone Encryption = "none"
)

// KeyringService names the keyring entry holding the token encryption key.
const KeyringService = "mallreview-token-key"

// Default configuration values
const (
	DefaultConfigLogFormat    = LogFormatText
	DefaultConfigLogExport    = observability.ExportNone
	DefaultConfigMallBaseURL  = tokensource.DefaultBaseURL
	DefaultConfigRedirectURI  = "http://127.0.0.1:8765/callback"
	DefaultConfigScope        = "mall.read_store mall.read_product mall.read_community mall.write_community"
	DefaultConfigLoginTimeout = 120 * time.Second
	DefaultConfigSkew         = 60 * time.Second
	DefaultConfigEncryption   = EncryptionAuto
	DefaultConfigAPITimeout   = 30 * time.Second
	DefaultConfigAPIRateLimit = 2.0
	DefaultConfigAPIBurst     = 1
)

// MallConfig identifies the merchant.
type MallConfig struct {
	ID string `json:"id" validate:"required,alphanum"`
	// BaseURL is the API root; {mall} is replaced by ID.
	BaseURL string `json:"base_url" validate:"required"`
}

// OAuthConfig holds the registered client and login settings.
type OAuthConfig struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri" validate:"required,url"`
	Scope        string `json:"scope"`

	// CallbackPort and CallbackPath override where the listener binds. The redirect
	// URI sent to the platform is not changed, so a proxy or port forward must bridge them.
	CallbackPort uint16 `json:"callback_port"`
	CallbackPath string `json:"callback_path"`

	LoginTimeout time.Duration `json:"login_timeout" validate:"gte=0"`
	Skew         time.Duration `json:"skew" validate:"gte=0"`
}

// StorageConfig describes the token file.
type StorageConfig struct {
	File        string     `json:"file" validate:"required"`
	Encryption  Encryption `json:"encryption" validate:"oneof=auto keyring none"`
	KeyringUser string     `json:"keyring_user"`
}

// APIConfig tunes calls to the admin API.
type APIConfig struct {
	Timeout   time.Duration `json:"timeout" validate:"gte=0"`
	RateLimit float64       `json:"rate_limit" validate:"gt=0"`
	Burst     int           `json:"burst" validate:"gte=1"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level           `json:"log_level"`
	LogFormat LogFormat            `json:"log_format" validate:"oneof=text json"`
	LogExport observability.Export `json:"log_export" validate:"oneof=none stdout otlp-grpc otlp-http"`
	Mall      MallConfig           `json:"mall"`
	OAuth     OAuthConfig          `json:"oauth"`
	Storage   StorageConfig        `json:"storage"`
	API       APIConfig            `json:"api"`
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExport == "" {
		c.LogExport = DefaultConfigLogExport
	}
	if c.Mall.BaseURL == "" {
		c.Mall.BaseURL = DefaultConfigMallBaseURL
	}
	if c.OAuth.RedirectURI == "" {
		c.OAuth.RedirectURI = DefaultConfigRedirectURI
	}
	if c.OAuth.Scope == "" {
		c.OAuth.Scope = DefaultConfigScope
	}
	if c.OAuth.LoginTimeout == 0 {
		c.OAuth.LoginTimeout = DefaultConfigLoginTimeout
	}
	if c.OAuth.Skew == 0 {
		c.OAuth.Skew = DefaultConfigSkew
	}
	if c.Storage.Encryption == "" {
		c.Storage.Encryption = DefaultConfigEncryption
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultConfigAPIRateLimit
	}
	if c.API.Burst == 0 {
		c.API.Burst = DefaultConfigAPIBurst
	}

	if c.Storage.File == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
		}
		c.Storage.File = filepath.Join(configDir, "mallreview", "token.json")
	}
	if c.Storage.KeyringUser == "" && c.Storage.Encryption != EncryptionNone {
		currentUser, err := user.Current()
		if err != nil {
			return fmt.Errorf("storage.keyring_user required (auto-detect failed: %w)", err)
		}
		c.Storage.KeyringUser = currentUser.Username
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	redirect, err := url.Parse(c.OAuth.RedirectURI)
	if err != nil {
		return fmt.Errorf("oauth.redirect_uri: %w", err)
	}
	if redirect.Scheme != "http" {
		return errors.New("oauth.redirect_uri must use http, the listener serves plain HTTP on the loopback interface")
	}
	if redirect.Port() == "" && c.OAuth.CallbackPort == 0 {
		return errors.New("oauth.redirect_uri needs an explicit port, or set oauth.callback_port")
	}

	if c.Storage.Encryption != EncryptionNone && c.Storage.KeyringUser == "" {
		return errors.New("keyring_user required unless storage.encryption is none")
	}

	return nil
}

// BaseURL returns the API root of the configured mall.
func (c *Config) BaseURL() string {
	return tokensource.BaseURL(c.Mall.BaseURL, c.Mall.ID)
}

// Scopes splits the configured scope string.
func (c *OAuthConfig) Scopes() []string {
	return strings.Fields(c.Scope)
}

// CallbackAddr returns the host:port the redirect listener binds.
func (c *OAuthConfig) CallbackAddr() (string, error) {
	redirect, err := url.Parse(c.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("oauth.redirect_uri: %w", err)
	}

	port := redirect.Port()
	if c.CallbackPort != 0 {
		port = strconv.FormatUint(uint64(c.CallbackPort), 10)
	}
	return net.JoinHostPort(redirect.Hostname(), port), nil
}

// CallbackPathOrDefault returns the listener path, defaulting to the redirect URI path.
func (c *OAuthConfig) CallbackPathOrDefault() string {
	if c.CallbackPath != "" {
		return c.CallbackPath
	}
	if redirect, err := url.Parse(c.RedirectURI); err == nil && redirect.Path != "" {
		return redirect.Path
	}
	return "/"
}

// NewCodec creates the token codec for the configured encryption mode.
func (s *StorageConfig) NewCodec() (*tokenstore.Codec, error) {
	switch s.Encryption {
	case EncryptionNone:
		return tokenstore.NewCodec(tokenstore.PlaintextCipher{}), nil
	case EncryptionAuto, EncryptionKeyring:
		cipher, err := tokenstore.NewKeyringCipher(KeyringService, s.KeyringUser)
		if err != nil {
			return nil, fmt.Errorf("failed to create keyring cipher: %w", err)
		}
		if s.Encryption == EncryptionKeyring {
			return tokenstore.NewCodec(cipher, tokenstore.RequireEncryption()), nil
		}
		return tokenstore.NewCodec(cipher), nil
	default:
		return nil, fmt.Errorf("unsupported encryption mode: %s", s.Encryption)
	}
}

// NewTokenStore creates the file-backed token store.
func (s *StorageConfig) NewTokenStore() (*tokenstore.FileStore, error) {
	codec, err := s.NewCodec()
	if err != nil {
		return nil, err
	}
	return tokenstore.NewFileStore(s.File, codec)
}

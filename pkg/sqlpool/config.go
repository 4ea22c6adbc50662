package sqlpool

import (
	"net"
	"net/url"
	"runtime"
	"strconv"
	"time"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 1433
)

// DefaultMaxSize is the pool size used when none is configured.
var DefaultMaxSize = runtime.GOMAXPROCS(0) * 4

// AuthKind selects how a session authenticates.
type AuthKind int

const (
	// AuthSQLServer is a SQL login with user name and password.
	AuthSQLServer AuthKind = iota
	// AuthWindows is NTLM with a DOMAIN\user name and password.
	AuthWindows
	// AuthIntegrated uses the platform's single sign-on (SSPI or Kerberos).
	AuthIntegrated
)

// AuthMethod is the authentication part of a Config.
type AuthMethod struct {
	Kind     AuthKind
	User     string
	Password string
}

// SQLServerAuth returns a SQL login.
func SQLServerAuth(user, password string) AuthMethod {
	return AuthMethod{Kind: AuthSQLServer, User: user, Password: password}
}

// WindowsAuth returns an NTLM login; user is DOMAIN\name.
func WindowsAuth(user, password string) AuthMethod {
	return AuthMethod{Kind: AuthWindows, User: user, Password: password}
}

// IntegratedAuth returns integrated authentication.
func IntegratedAuth() AuthMethod {
	return AuthMethod{Kind: AuthIntegrated}
}

// Encryption is the TLS level negotiated at login.
type Encryption int

const (
	// EncryptionDefault leaves the choice to the driver.
	EncryptionDefault Encryption = iota
	// EncryptionOff encrypts the login packet only.
	EncryptionOff
	// EncryptionOn encrypts the whole session.
	EncryptionOn
	// EncryptionNotSupported disables TLS entirely.
	EncryptionNotSupported
	// EncryptionStrict uses TDS 8.0, where TLS wraps the whole stream.
	EncryptionStrict
)

func (e Encryption) dsnValue() string {
	switch e {
	case EncryptionOff:
		return "false"
	case EncryptionOn:
		return "true"
	case EncryptionNotSupported:
		return "disable"
	case EncryptionStrict:
		return "strict"
	default:
		return ""
	}
}

// TrustMode selects how the server certificate is verified.
type TrustMode int

const (
	// TrustVerify verifies the certificate against the system roots.
	TrustVerify TrustMode = iota
	// TrustAnyCert accepts any server certificate.
	TrustAnyCert
	// TrustCustomCA verifies against the CA file in Config.TrustCAPath.
	TrustCustomCA
)

// Config is the fully resolved configuration of a pool. It is copied into
// the pool on creation and never mutated afterwards.
type Config struct {
	Host            string
	Port            int
	Instance        string
	Database        string
	Auth            AuthMethod
	Encryption      Encryption
	Trust           TrustMode
	TrustCAPath     string
	ApplicationName string

	// ConnectTimeout bounds the driver's login; DialTimeout bounds the TCP dial.
	// Zero keeps the driver defaults.
	ConnectTimeout time.Duration
	DialTimeout    time.Duration

	MaxSize int

	// WaitTimeout bounds checkout waiting. Nil waits indefinitely.
	WaitTimeout *time.Duration
	// CreateTimeout and RecycleTimeout are nil by default, in which case
	// create and recycle are bounded only by the driver.
	CreateTimeout  *time.Duration
	RecycleTimeout *time.Duration

	// MaxIdleTime evicts idle connections older than this. Zero disables it.
	MaxIdleTime time.Duration
}

// DefaultConfig returns the configuration before any setter is applied.
func DefaultConfig() Config {
	return Config{
		Host:    DefaultHost,
		Port:    DefaultPort,
		MaxSize: DefaultMaxSize,
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return configError(ReasonInvalid, "host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return configError(ReasonInvalid, "port %d out of range", c.Port)
	}
	if c.MaxSize <= 0 {
		return configError(ReasonInvalid, "max_size must be positive, got %d", c.MaxSize)
	}
	if c.Auth.Kind != AuthIntegrated && c.Auth.User == "" && c.Auth.Password != "" {
		return configError(ReasonInvalid, "password given without user")
	}
	if c.Trust == TrustCustomCA && c.TrustCAPath == "" {
		return configError(ReasonInvalid, "custom CA trust requires a certificate path")
	}
	for name, d := range map[string]*time.Duration{
		"wait_timeout":    c.WaitTimeout,
		"create_timeout":  c.CreateTimeout,
		"recycle_timeout": c.RecycleTimeout,
	} {
		if d != nil && *d < 0 {
			return configError(ReasonInvalid, "%s must not be negative", name)
		}
	}
	if c.ConnectTimeout < 0 || c.DialTimeout < 0 || c.MaxIdleTime < 0 {
		return configError(ReasonInvalid, "timeouts must not be negative")
	}
	return nil
}

// Addr returns the host:port address of the server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DSN renders the configuration as a sqlserver:// URL for the driver.
func (c *Config) DSN() string {
	u := &url.URL{Scheme: "sqlserver"}

	// With a named instance and no explicit port the driver asks SQL Browser.
	if c.Instance != "" && c.Port == DefaultPort {
		u.Host = c.Host
	} else {
		u.Host = c.Addr()
	}
	if c.Instance != "" {
		u.Path = c.Instance
	}

	if c.Auth.Kind != AuthIntegrated && c.Auth.User != "" {
		u.User = url.UserPassword(c.Auth.User, c.Auth.Password)
	}

	q := url.Values{}
	if c.Database != "" {
		q.Set("database", c.Database)
	}
	if c.ApplicationName != "" {
		q.Set("app name", c.ApplicationName)
	}
	if v := c.Encryption.dsnValue(); v != "" {
		q.Set("encrypt", v)
	}
	switch c.Trust {
	case TrustAnyCert:
		q.Set("TrustServerCertificate", "true")
	case TrustCustomCA:
		q.Set("certificate", c.TrustCAPath)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connection timeout", strconv.Itoa(ceilSeconds(c.ConnectTimeout)))
	}
	if c.DialTimeout > 0 {
		q.Set("dial timeout", strconv.Itoa(ceilSeconds(c.DialTimeout)))
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// ceilSeconds rounds d up to whole seconds; the driver reads 0 as no timeout.
func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

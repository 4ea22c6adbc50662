package sqlpool

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/objpool"
)

// Builder assembles a Config and the pool's hooks. Setters never fail;
// everything is validated once in CreatePool.
type Builder struct {
	cfg     Config
	name    string
	opener  Opener
	limiter SlotLimiter
	logger  *zap.Logger
	tuneTCP func(*net.TCPConn) error

	postCreate  []Hook
	preRecycle  []Hook
	postRecycle []Hook
}

// NewBuilder starts from DefaultConfig.
func NewBuilder() *Builder {
	return FromConfig(DefaultConfig())
}

// FromConfig starts from an existing configuration.
func FromConfig(cfg Config) *Builder {
	return &Builder{cfg: cfg, tuneTCP: setNoDelay}
}

// FromADOString starts from a parsed ADO connection string.
// See ParseADOString for the accepted keys.
func FromADOString(s string) (*Builder, error) {
	cfg, err := ParseADOString(s)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg), nil
}

// FromJDBCString starts from a parsed JDBC URL.
// See ParseJDBCString for the accepted properties.
func FromJDBCString(s string) (*Builder, error) {
	cfg, err := ParseJDBCString(s)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg), nil
}

// Host sets the server host, defaults to localhost.
func (b *Builder) Host(host string) *Builder {
	b.cfg.Host = host
	return b
}

// Port sets the server port, defaults to 1433.
func (b *Builder) Port(port int) *Builder {
	b.cfg.Port = port
	return b
}

// Database sets the initial database. The login's default database is used otherwise.
func (b *Builder) Database(name string) *Builder {
	b.cfg.Database = name
	return b
}

// BasicAuthentication sets a SQL login.
func (b *Builder) BasicAuthentication(user, password string) *Builder {
	b.cfg.Auth = SQLServerAuth(user, password)
	return b
}

// Authentication sets the authentication method.
func (b *Builder) Authentication(auth AuthMethod) *Builder {
	b.cfg.Auth = auth
	return b
}

// TrustCert accepts any server certificate.
func (b *Builder) TrustCert() *Builder {
	b.cfg.Trust = TrustAnyCert
	b.cfg.TrustCAPath = ""
	return b
}

// TrustCertCA verifies the server certificate against the CA file at path.
func (b *Builder) TrustCertCA(path string) *Builder {
	b.cfg.Trust = TrustCustomCA
	b.cfg.TrustCAPath = path
	return b
}

// Encryption sets the encryption level.
func (b *Builder) Encryption(e Encryption) *Builder {
	b.cfg.Encryption = e
	return b
}

// InstanceName sets the named instance, resolved through SQL Browser.
func (b *Builder) InstanceName(name string) *Builder {
	b.cfg.Instance = name
	return b
}

// ApplicationName sets the application name reported to the server.
func (b *Builder) ApplicationName(name string) *Builder {
	b.cfg.ApplicationName = name
	return b
}

// ConnectTimeout bounds the driver's login.
func (b *Builder) ConnectTimeout(d time.Duration) *Builder {
	b.cfg.ConnectTimeout = d
	return b
}

// DialTimeout bounds the TCP dial.
func (b *Builder) DialTimeout(d time.Duration) *Builder {
	b.cfg.DialTimeout = d
	return b
}

// MaxSize sets the maximum number of connections, defaults to DefaultMaxSize.
func (b *Builder) MaxSize(n int) *Builder {
	b.cfg.MaxSize = n
	return b
}

// WaitTimeout bounds how long Get waits for a free connection.
func (b *Builder) WaitTimeout(d time.Duration) *Builder {
	b.cfg.WaitTimeout = durationPtr(d)
	return b
}

// WaitTimeoutSeconds is WaitTimeout in fractional seconds.
func (b *Builder) WaitTimeoutSeconds(s float64) *Builder {
	return b.WaitTimeout(time.Duration(s * float64(time.Second)))
}

// CreateTimeout bounds opening a new connection.
func (b *Builder) CreateTimeout(d time.Duration) *Builder {
	b.cfg.CreateTimeout = durationPtr(d)
	return b
}

// RecycleTimeout bounds validating an idle connection. A timeout discards it.
func (b *Builder) RecycleTimeout(d time.Duration) *Builder {
	b.cfg.RecycleTimeout = durationPtr(d)
	return b
}

// MaxIdleTime closes connections that stayed idle for longer than d.
func (b *Builder) MaxIdleTime(d time.Duration) *Builder {
	b.cfg.MaxIdleTime = d
	return b
}

// PostCreate adds a hook run after a connection is opened.
func (b *Builder) PostCreate(h Hook) *Builder {
	b.postCreate = append(b.postCreate, h)
	return b
}

// PreRecycle adds a hook run after the liveness probe each time an idle
// connection is about to be reused.
func (b *Builder) PreRecycle(h Hook) *Builder {
	b.preRecycle = append(b.preRecycle, h)
	return b
}

// PostRecycle adds a hook run after the pre-recycle hooks passed.
func (b *Builder) PostRecycle(h Hook) *Builder {
	b.postRecycle = append(b.postRecycle, h)
	return b
}

// ModifyTCPConn replaces the tuning applied to each dialed TCP connection.
// The default enables TCP_NODELAY.
func (b *Builder) ModifyTCPConn(f func(*net.TCPConn) error) *Builder {
	b.tuneTCP = f
	return b
}

// Opener replaces the go-mssqldb session opener.
func (b *Builder) Opener(o Opener) *Builder {
	b.opener = o
	return b
}

// SlotLimiter bounds connections across processes.
func (b *Builder) SlotLimiter(l SlotLimiter) *Builder {
	b.limiter = l
	return b
}

// Logger sets the logger, defaults to a no-op logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Name labels the pool in logs and metrics, defaults to the server address.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// Config returns a copy of the configuration assembled so far.
func (b *Builder) Config() Config {
	return b.cfg
}

// CreatePool validates the configuration and builds the pool. It performs
// no network I/O; connections are opened on first checkout.
func (b *Builder) CreatePool() (*Pool, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := b.name
	if name == "" {
		name = cfg.Addr()
	}
	logger = logger.With(zap.String("pool", name))

	opener := b.opener
	if opener == nil {
		o, err := newSQLOpener(cfg, b.tuneTCP)
		if err != nil {
			return nil, err
		}
		opener = o
	}

	mgr := &Manager{
		cfg:         cfg,
		name:        name,
		opener:      opener,
		limiter:     b.limiter,
		logger:      logger.With(zap.String("component", "manager")),
		postCreate:  append([]Hook(nil), b.postCreate...),
		preRecycle:  append([]Hook(nil), b.preRecycle...),
		postRecycle: append([]Hook(nil), b.postRecycle...),
	}

	inner, err := objpool.New[*Client](mgr, objpool.Config{
		Name:    name,
		MaxSize: cfg.MaxSize,
		Timeouts: objpool.Timeouts{
			Wait:    cfg.WaitTimeout,
			Create:  cfg.CreateTimeout,
			Recycle: cfg.RecycleTimeout,
		},
		MaxIdleTime: cfg.MaxIdleTime,
		Logger:      logger,
	})
	if err != nil {
		return nil, configError(ReasonInvalid, "%w", err)
	}
	mgr.status = inner.Status

	logger.Info("pool created",
		zap.String("addr", cfg.Addr()),
		zap.String("database", cfg.Database),
		zap.Int("max_size", cfg.MaxSize))

	return &Pool{inner: inner, manager: mgr, logger: logger}, nil
}

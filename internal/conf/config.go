package conf

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Defaults for the disposable database fixture. The snapshot image name and
// the database identifiers stay fixed for the life of a process; repeated
// runs on the same host find the previous snapshot only because these do not
// drift between runs.
const (
	DefaultBaseImage          = "mysql:8.4"
	DefaultSnapshotRepository = "dbsnap/mysql"
	DefaultSnapshotTag        = "snapshot"
	DefaultDatabase           = "dbsnap_test"
	DefaultUsername           = "dbsnap"
	DefaultPassword           = "dbsnap"
)

// ImageSettings selects the base image containers boot from and names the
// snapshot image commits are stored under.
type ImageSettings struct {
	// Base is the image used when no snapshot exists (or it is being ignored).
	Base string `mapstructure:"base"`
	// SnapshotRepository and SnapshotTag name the committed snapshot image.
	SnapshotRepository string `mapstructure:"snapshot_repository"`
	SnapshotTag        string `mapstructure:"snapshot_tag"`
	// ForceRefresh ignores any existing snapshot image and rebuilds from Base.
	ForceRefresh bool `mapstructure:"force_refresh"`
	// DeleteImage removes the existing snapshot image before rebuilding.
	// Implies a fresh build.
	DeleteImage bool `mapstructure:"delete_image"`
}

// DatabaseSettings holds the database identifiers and the session parameters
// baked into every connection string the fixture hands out.
type DatabaseSettings struct {
	Name      string `mapstructure:"name"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Charset   string `mapstructure:"charset"`
	Collation string `mapstructure:"collation"`
	Timezone  string `mapstructure:"timezone"`
	// InitScripts are .sql files executed once when a container boots from
	// the base image. Their contents feed the snapshot staleness hash.
	InitScripts []string `mapstructure:"init_scripts"`
}

// PoolSettings sizes the process-wide connection pool.
type PoolSettings struct {
	MaxOpenConns    int      `mapstructure:"max_open_conns"`
	MaxIdleConns    int      `mapstructure:"max_idle_conns"`
	ConnMaxLifetime Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `mapstructure:"conn_max_idle_time"`
}

// RuntimeSettings bounds the container runtime calls.
type RuntimeSettings struct {
	StartupTimeout  Duration `mapstructure:"startup_timeout"`
	SnapshotTimeout Duration `mapstructure:"snapshot_timeout"`
	StopTimeout     Duration `mapstructure:"stop_timeout"`
	// FixedHostPort pins the published database port. Zero means a random
	// free port per container, with the pool repointed after each boot.
	FixedHostPort int `mapstructure:"fixed_host_port"`
	// MinFreeDiskMB aborts a snapshot commit when the Docker host has less
	// than this much free disk, instead of letting the commit fill it.
	MinFreeDiskMB uint64 `mapstructure:"min_free_disk_mb"`
}

// ServerSettings configures the optional control server.
type ServerSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level string `mapstructure:"level"`
}

// Settings is the top-level fixture configuration. Immutable after Load.
type Settings struct {
	// TestMode asserts that the process is a test run. The fixture refuses
	// to touch Docker without it (it is implied automatically under go test).
	TestMode bool `mapstructure:"test_mode"`

	Image    ImageSettings    `mapstructure:"image"`
	Database DatabaseSettings `mapstructure:"database"`
	Pool     PoolSettings     `mapstructure:"pool"`
	Runtime  RuntimeSettings  `mapstructure:"runtime"`
	Server   ServerSettings   `mapstructure:"server"`
	Log      LogSettings      `mapstructure:"log"`
}

// Init sets defaults, reads the optional config file, and binds environment
// variables on the process-wide Viper instance.
func Init() error {
	return initOn(viper.GetViper())
}

func initOn(v *viper.Viper) error {
	v.SetDefault("test_mode", false)

	v.SetDefault("image.base", DefaultBaseImage)
	v.SetDefault("image.snapshot_repository", DefaultSnapshotRepository)
	v.SetDefault("image.snapshot_tag", DefaultSnapshotTag)
	v.SetDefault("image.force_refresh", false)
	v.SetDefault("image.delete_image", false)

	v.SetDefault("database.name", DefaultDatabase)
	v.SetDefault("database.username", DefaultUsername)
	v.SetDefault("database.password", DefaultPassword)
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.collation", "utf8mb4_unicode_ci")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.init_scripts", []string{})

	v.SetDefault("pool.max_open_conns", 25)
	v.SetDefault("pool.max_idle_conns", 5)
	v.SetDefault("pool.conn_max_lifetime", "5m")
	v.SetDefault("pool.conn_max_idle_time", "1m")

	v.SetDefault("runtime.startup_timeout", "120s")
	v.SetDefault("runtime.snapshot_timeout", "60s")
	v.SetDefault("runtime.stop_timeout", "30s")
	v.SetDefault("runtime.fixed_host_port", 0)
	v.SetDefault("runtime.min_free_disk_mb", 512)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7090)

	v.SetDefault("log.level", "info")

	v.SetConfigName("dbsnap")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/dbsnap")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// No file is fine; defaults and env vars carry the config.
	}

	v.SetEnvPrefix("DBSNAP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Short aliases for the two flags test harnesses flip most often.
	if err := v.BindEnv("image.force_refresh", "DBSNAP_IMAGE_FORCE_REFRESH", "DBSNAP_FORCE_REFRESH"); err != nil {
		return fmt.Errorf("failed to bind env: %w", err)
	}
	if err := v.BindEnv("image.delete_image", "DBSNAP_IMAGE_DELETE_IMAGE", "DBSNAP_DELETE_IMAGE"); err != nil {
		return fmt.Errorf("failed to bind env: %w", err)
	}
	if err := v.BindEnv("test_mode", "DBSNAP_TEST_MODE"); err != nil {
		return fmt.Errorf("failed to bind env: %w", err)
	}

	return nil
}

// Load unmarshals and validates the settings from the process-wide Viper
// instance. Call Init first.
func Load() (*Settings, error) {
	return loadFrom(viper.GetViper())
}

func loadFrom(v *viper.Viper) (*Settings, error) {
	var settings Settings
	if err := v.Unmarshal(&settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate rejects settings the fixture cannot operate with.
func (s *Settings) Validate() error {
	if s.Image.Base == "" {
		return fmt.Errorf("invalid settings: image.base must not be empty")
	}
	if s.Image.SnapshotRepository == "" || s.Image.SnapshotTag == "" {
		return fmt.Errorf("invalid settings: snapshot repository and tag must not be empty")
	}
	if s.Database.Name == "" || s.Database.Username == "" || s.Database.Password == "" {
		return fmt.Errorf("invalid settings: database name, username, and password must not be empty")
	}
	if s.Pool.MaxOpenConns <= 0 {
		return fmt.Errorf("invalid settings: pool.max_open_conns must be positive, got %d", s.Pool.MaxOpenConns)
	}
	if s.Pool.MaxIdleConns < 0 {
		return fmt.Errorf("invalid settings: pool.max_idle_conns must not be negative, got %d", s.Pool.MaxIdleConns)
	}
	if s.Runtime.FixedHostPort < 0 || s.Runtime.FixedHostPort > 65535 {
		return fmt.Errorf("invalid settings: runtime.fixed_host_port out of range: %d", s.Runtime.FixedHostPort)
	}
	return nil
}

// SnapshotRef returns the snapshot image reference ("repository:tag").
func (s *ImageSettings) SnapshotRef() string {
	return s.SnapshotRepository + ":" + s.SnapshotTag
}

// DSN builds the driver connection string for the application user against
// the given endpoint, carrying the configured charset, collation, and
// timezone so every repoint hands out an identical session environment.
func (s *DatabaseSettings) DSN(host string, port int) (string, error) {
	return s.dsn(s.Username, s.Password, host, port)
}

// AdminDSN builds the root connection string for the given endpoint. The
// container images used here set the root password to the application
// password, and table flushes need privileges the application user lacks.
func (s *DatabaseSettings) AdminDSN(host string, port int) (string, error) {
	return s.dsn("root", s.Password, host, port)
}

func (s *DatabaseSettings) dsn(user, password, host string, port int) (string, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}

	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = s.Name
	cfg.Collation = s.Collation
	cfg.Loc = loc
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.Params = map[string]string{"charset": s.Charset}

	return cfg.FormatDSN(), nil
}

// URL renders the endpoint in mysql://host:port/dbname?... form for logs and
// the control API. Not a driver DSN; use DSN for connecting.
func (s *DatabaseSettings) URL(host string, port int) string {
	q := url.Values{}
	q.Set("charset", s.Charset)
	q.Set("collation", s.Collation)
	q.Set("timezone", s.Timezone)

	u := url.URL{
		Scheme:   "mysql",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + s.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Addr returns the control server listen address.
func (s *ServerSettings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPassword    = "apranova_secure_password"
	defaultToolInstall = "sudo apt-get update && sudo apt-get install -y python3 python3-pip nodejs npm git"
)

type Config struct {
	Port           string
	AppEnv         string
	DatabaseURL    string
	DatabaseSchema string
	AutoMigrate    bool
	JWTSecret      string
	JWKSURL        string
	RedisAddr      string
	LockTTL        time.Duration
	RabbitMQURL    string
	KafkaBrokerURL string
	KafkaTopic     string
	AllowOrigins   []string

	ExecutionBackend   string
	WorkspaceImage     string
	WorkspaceBasePath  string
	PublicHost         string
	WorkspaceDomain    string
	PortMin            int
	PortMax            int
	Password           string
	IdleTimeout        time.Duration
	ReadyTimeout       time.Duration
	ReadyInterval      time.Duration
	ReaperInterval     time.Duration
	CallTimeout        time.Duration
	ToolInstallCommand []string
	AutoSaveSeconds    int

	Kubeconfig   string
	K8sNamespace string
	StorageClass string
	StorageSize  string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "3004"),
		AppEnv:         getEnv("APP_ENV", "development"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		JWKSURL:        getEnv("JWKS_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		KafkaBrokerURL: getEnv("KAFKA_BROKER_URL", ""),
		KafkaTopic:     getEnv("KAFKA_TOPIC_STATUS", "workspace.status"),
		AllowOrigins:   splitList(getEnv("ALLOW_ORIGINS", "http://localhost:5173")),

		ExecutionBackend:  getEnv("EXECUTION_BACKEND", "docker"),
		WorkspaceImage:    getEnv("WORKSPACE_IMAGE", "codercom/code-server:latest"),
		WorkspaceBasePath: getEnv("WORKSPACE_BASE_PATH", "/var/lib/lms/workspaces"),
		PublicHost:        getEnv("WORKSPACE_PUBLIC_HOST", "localhost"),
		WorkspaceDomain:   getEnv("WORKSPACE_DOMAIN", ""),
		Password:          getEnv("CODE_SERVER_PASSWORD", defaultPassword),

		Kubeconfig:   getEnv("KUBECONFIG", ""),
		K8sNamespace: getEnv("K8S_NAMESPACE", "workspaces"),
		StorageClass: getEnv("K8S_STORAGE_CLASS", ""),
		StorageSize:  getEnv("K8S_STORAGE_SIZE", "5Gi"),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", false)
	collect(err)
	cfg.LockTTL, err = getDuration("PROVISION_LOCK_TTL", time.Minute)
	collect(err)
	cfg.PortMin, err = getInt("WORKSPACE_PORT_MIN", 9000)
	collect(err)
	cfg.PortMax, err = getInt("WORKSPACE_PORT_MAX", 9999)
	collect(err)
	cfg.IdleTimeout, err = getDuration("WORKSPACE_IDLE_TIMEOUT", 15*time.Minute)
	collect(err)
	cfg.ReadyTimeout, err = getDuration("WORKSPACE_READY_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.ReadyInterval, err = getDuration("WORKSPACE_READY_INTERVAL", time.Second)
	collect(err)
	cfg.ReaperInterval, err = getDuration("REAPER_INTERVAL", time.Minute)
	collect(err)
	cfg.CallTimeout, err = getDuration("BACKEND_CALL_TIMEOUT", 2*time.Minute)
	collect(err)
	cfg.AutoSaveSeconds, err = getInt("AUTO_SAVE_INTERVAL_SECONDS", 10)
	collect(err)

	if cmd := getEnv("TOOL_INSTALL_COMMAND", defaultToolInstall); cmd != "" {
		cfg.ToolInstallCommand = []string{"sh", "-c", cmd}
	}

	collect(cfg.validate())
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL environment variable is required"))
	}
	if c.JWTSecret == "" && c.JWKSURL == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or JWKS_URL is required"))
	}
	switch c.ExecutionBackend {
	case "docker", "kubernetes":
	default:
		errs = append(errs, fmt.Errorf("EXECUTION_BACKEND must be docker or kubernetes, got %q", c.ExecutionBackend))
	}
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		errs = append(errs, fmt.Errorf("invalid workspace port range %d-%d", c.PortMin, c.PortMax))
	}
	return errors.Join(errs...)
}

// Production reports whether logs should be machine readable.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

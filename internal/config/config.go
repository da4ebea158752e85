package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"IDENTRA_APP_ENV" envDefault:"local"`
	LogLevel string `env:"IDENTRA_LOG_LEVEL" envDefault:"info"`

	PostgresDSN string `env:"IDENTRA_PG_DSN"`

	RedisAddr     string `env:"IDENTRA_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"IDENTRA_REDIS_PASSWORD"`
	RedisDB       int    `env:"IDENTRA_REDIS_DB" envDefault:"0"`

	KeycloakBaseURL      string `env:"IDENTRA_KEYCLOAK_URL" envDefault:"http://localhost:8080"`
	KeycloakRealm        string `env:"IDENTRA_KEYCLOAK_REALM" envDefault:"identra"`
	KeycloakClientID     string `env:"IDENTRA_KEYCLOAK_CLIENT_ID" envDefault:"identity-core"`
	KeycloakClientSecret string `env:"IDENTRA_KEYCLOAK_CLIENT_SECRET"`

	OpsAddr string `env:"IDENTRA_OPS_ADDR" envDefault:":8090"`

	// DeletionDelay is the grace window between termination and permanent
	// deletion of the directory user.
	DeletionDelay time.Duration `env:"IDENTRA_DELETION_DELAY" envDefault:"72h"`

	RevocationSyncInterval  time.Duration `env:"IDENTRA_REVOCATION_SYNC_INTERVAL" envDefault:"10s"`
	RevocationFailThreshold int           `env:"IDENTRA_REVOCATION_FAIL_THRESHOLD" envDefault:"6"`
	JobPollInterval         time.Duration `env:"IDENTRA_JOB_POLL_INTERVAL" envDefault:"5s"`
	DirectoryRequestsPerSec float64       `env:"IDENTRA_DIRECTORY_RPS" envDefault:"10"`
	DirectoryRequestBurst   int           `env:"IDENTRA_DIRECTORY_BURST" envDefault:"5"`
	DirectoryRequestTimeout time.Duration `env:"IDENTRA_DIRECTORY_TIMEOUT" envDefault:"15s"`
	StartupConnectTimeout   time.Duration `env:"IDENTRA_STARTUP_CONNECT_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout         time.Duration `env:"IDENTRA_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type SlackEnv struct {
	SigningSecret     string   `envconfig:"SLACK_SIGNING_SECRET" required:"true"`
	BroadcastCommands []string `envconfig:"BROADCAST_COMMANDS" default:"search"`
}

type RelationEnv struct {
	GrowiRequestTimeout   time.Duration `envconfig:"GROWI_REQUEST_TIMEOUT" default:"10s"`
	CommandsValidity      time.Duration `envconfig:"COMMANDS_VALIDITY" default:"48h"`
	CommandsRefreshWindow time.Duration `envconfig:"COMMANDS_REFRESH_WINDOW" default:"24h"`
	RefreshTaskTimeout    time.Duration `envconfig:"REFRESH_TASK_TIMEOUT" default:"30s"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".slackbot-proxy/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"slackbot-proxy/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// used when Type == "postgres"
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
}

type Env struct {
	BaseEnv
	SlackEnv
	RelationEnv
	StorageEnv
}

const namespace = "SLACKBOT_PROXY"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) validate() error {
	switch e.StorageEnv.Type {
	case "local":
	case "s3":
		if e.S3Bucket == "" {
			return fmt.Errorf("%s_S3_BUCKET is required when STORAGE_TYPE=s3", namespace)
		}
	case "postgres":
		if e.PostgresDSN == "" {
			return fmt.Errorf("%s_POSTGRES_DSN is required when STORAGE_TYPE=postgres", namespace)
		}
	default:
		return fmt.Errorf("unknown storage type %q", e.StorageEnv.Type)
	}
	if e.CommandsRefreshWindow >= e.CommandsValidity {
		return fmt.Errorf("commands refresh window (%s) must be shorter than validity (%s)", e.CommandsRefreshWindow, e.CommandsValidity)
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

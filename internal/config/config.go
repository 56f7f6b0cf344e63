package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

type StorageConfig struct {
	// Backend selects the storage implementation: "sqlite" or "mongo".
	Backend string      `yaml:"backend" env:"STORAGE_BACKEND" env-default:"sqlite"`
	Path    string      `yaml:"path" env:"STORAGE_PATH"`
	Mongo   MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env:"MONGO_DATABASE"`
}

type AuthConfig struct {
	Issuer          string        `yaml:"issuer" env:"TOKEN_ISSUER" env-required:"true"`
	Secret          string        `yaml:"secret" env:"TOKEN_SECRET" env-required:"true"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"1h"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	RefreshPepper   string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
}

type CleanupConfig struct {
	Interval time.Duration `yaml:"interval" env:"CLEANUP_INTERVAL" env-default:"1h"`
	// Chance is the 1-in-N probability of piggybacking a cleanup on a
	// successful auth call; zero disables piggybacking.
	Chance int `yaml:"chance" env:"CLEANUP_CHANCE" env-default:"16"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

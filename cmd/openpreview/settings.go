package main

import (
	"errors"
	"strings"
	"time"
)

type Settings struct {
	Port     int    `env:"PORT,default=8000"`
	BasePath string `env:"BASE_PATH"`

	JWTSecret      string `env:"JWT_SECRET,required=true"`
	JWTAudience    string `env:"JWT_AUDIENCE,default=openpreview"`
	APIKeys        string `env:"API_KEYS"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	StoreDriver     string `env:"STORE_DRIVER,default=memory"`
	MongoDBURI      string `env:"MONGODB_URI"`
	MongoDBDatabase string `env:"MONGODB_DATABASE,default=openpreview"`
	DatabaseURL     string `env:"DATABASE_URL"`

	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL,default=openpreview:broadcast"`

	SweepIntervalSeconds int `env:"SWEEP_INTERVAL_SECONDS,default=30"`
	SendBufferSize       int `env:"SEND_BUFFER_SIZE,default=64"`
	ReadLimitBytes       int `env:"READ_LIMIT_BYTES,default=65536"`

	LogEncoding string `env:"LOG_ENCODING,default=console"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

// Validate rejects values the environment parser accepts but the server
// cannot run with.
func (s Settings) Validate() error {
	var errs []error

	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, errors.New("PORT must be between 1 and 65535"))
	}
	if s.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL_SECONDS must be positive"))
	}
	if s.SendBufferSize <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER_SIZE must be positive"))
	}
	if s.ReadLimitBytes <= 0 {
		errs = append(errs, errors.New("READ_LIMIT_BYTES must be positive"))
	}

	return errors.Join(errs...)
}

func (s Settings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/libs/runtime"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/quota"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/scheduling"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

type settings struct {
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int           `mapstructure:"DB_MAX_CONNS"`
	TxTimeout   time.Duration `mapstructure:"TX_TIMEOUT"`
	Timeout     time.Duration `mapstructure:"SLOTCTL_TIMEOUT"`
}

func loadSettings(v *viper.Viper) (settings, error) {
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("TX_TIMEOUT", 5*time.Second)
	v.SetDefault("SLOTCTL_TIMEOUT", 2*time.Minute)
	for _, key := range []string{"DATABASE_URL", "DB_MAX_CONNS", "TX_TIMEOUT", "SLOTCTL_TIMEOUT"} {
		_ = v.BindEnv(key)
	}
	if file := v.GetString("ENV_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return settings{}, fmt.Errorf("read %s: %w", file, err)
			}
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	s.DatabaseURL = strings.TrimSpace(s.DatabaseURL)
	if s.DatabaseURL == "" {
		return settings{}, errors.New("DATABASE_URL (or --database-url) is required")
	}
	return s, nil
}

// env bundles what a command needs against the live database.
type env struct {
	pool *db.Pool
	svc  *scheduling.Service
}

func connect(ctx context.Context, s settings) (*env, error) {
	pool, err := db.Open(ctx, s.DatabaseURL, db.Options{MaxConns: int32(s.DBMaxConns), ApplicationName: "slotctl"})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	logger := runtime.NewLogger("slotctl")
	outboxRepo := outbox.NewRepository(pool)
	svc := scheduling.NewService(
		storage.NewPostgres(pool, outboxRepo),
		policy.NewPostgresProvider(pool, policy.Policy{
			EmergencyFraction: quota.DefaultMinFraction,
			NoCancelWindow:    24 * time.Hour,
		}),
		logger,
		scheduling.Config{TxTimeout: s.TxTimeout},
	)
	return &env{pool: pool, svc: svc}, nil
}

func (e *env) Close() {
	e.pool.Close()
}

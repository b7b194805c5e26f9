package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Tuning holds the knobs operators adjust without a restart.
type Tuning struct {
	DailyQuotaUnits  int64         `mapstructure:"dailyQuotaUnits"`
	SetTitleCost     int64         `mapstructure:"setTitleCost"`
	SnapshotCost     int64         `mapstructure:"snapshotCost"`
	TokenRefreshSkew time.Duration `mapstructure:"tokenRefreshSkew"`
	CallTimeout      time.Duration `mapstructure:"callTimeout"`
	RefreshTimeout   time.Duration `mapstructure:"refreshTimeout"`
}

func DefaultTuning() Tuning {
	return Tuning{
		DailyQuotaUnits:  10_000,
		SetTitleCost:     50,
		SnapshotCost:     1,
		TokenRefreshSkew: 5 * time.Minute,
		CallTimeout:      15 * time.Second,
		RefreshTimeout:   10 * time.Second,
	}
}

type TuningHolder struct {
	current atomic.Value // holds Tuning
}

// NewTuningHolder loads tuning.yml and watches it for changes. A missing
// file yields defaults; an invalid reload keeps the previous values.
func NewTuningHolder(log *zap.Logger) (*TuningHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.tuning")

	v := viper.New()
	v.SetConfigName("tuning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/headliner/config")
	v.AddConfigPath("/etc/headliner")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HEADLINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTuning()
	v.SetDefault("tuning.dailyQuotaUnits", defaults.DailyQuotaUnits)
	v.SetDefault("tuning.setTitleCost", defaults.SetTitleCost)
	v.SetDefault("tuning.snapshotCost", defaults.SnapshotCost)
	v.SetDefault("tuning.tokenRefreshSkew", defaults.TokenRefreshSkew)
	v.SetDefault("tuning.callTimeout", defaults.CallTimeout)
	v.SetDefault("tuning.refreshTimeout", defaults.RefreshTimeout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg Tuning
	if err := v.UnmarshalKey("tuning", &cfg); err != nil {
		return nil, err
	}
	if err := validateTuning(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticTuning(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Tuning
		if err := v.UnmarshalKey("tuning", &updated); err != nil {
			log.Warn("tuning reload failed", zap.Error(err))
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Warn("invalid tuning ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("tuning reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticTuning returns a holder pinned to cfg.
func NewStaticTuning(cfg Tuning) *TuningHolder {
	holder := &TuningHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *TuningHolder) Get() Tuning {
	if h == nil {
		return DefaultTuning()
	}
	return h.current.Load().(Tuning)
}

// Set replaces the current tuning after validation.
func (h *TuningHolder) Set(cfg Tuning) error {
	if err := validateTuning(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func validateTuning(cfg Tuning) error {
	if cfg.DailyQuotaUnits <= 0 {
		return errors.New("tuning.dailyQuotaUnits must be positive")
	}
	if cfg.SetTitleCost <= 0 || cfg.SnapshotCost <= 0 {
		return errors.New("tuning call costs must be positive")
	}
	if cfg.SetTitleCost > cfg.DailyQuotaUnits {
		return errors.New("tuning.setTitleCost exceeds the daily quota")
	}
	if cfg.TokenRefreshSkew < 0 {
		return errors.New("tuning.tokenRefreshSkew cannot be negative")
	}
	if cfg.CallTimeout <= 0 || cfg.RefreshTimeout <= 0 {
		return errors.New("tuning timeouts must be positive")
	}
	return nil
}

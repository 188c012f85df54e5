package unirun

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the policy loader reads,
// e.g. UNIRUN_FORCE_THREADS for force_threads.
const EnvPrefix = "UNIRUN"

// Policy keys, as used in config files and (upper-cased, prefixed) in the
// environment.
const (
	KeyThreadMode      = "thread_mode"
	KeyForceThreads    = "force_threads"
	KeyForceProcesses  = "force_processes"
	KeyCompatMode      = "compat_mode"
	KeyMaxWorkers      = "max_workers"
	KeyPrefersIsolated = "prefers_isolated"

	// KeyConfig names an optional yaml, toml or json policy file.
	KeyConfig = "config"
)

// SetPolicyDefaults registers the policy defaults and environment binding
// on v.
func SetPolicyDefaults(v *viper.Viper) {
	v.SetDefault(KeyThreadMode, ThreadModeAuto.String())
	v.SetDefault(KeyForceThreads, false)
	v.SetDefault(KeyForceProcesses, false)
	v.SetDefault(KeyCompatMode, false)
	v.SetDefault(KeyMaxWorkers, 0)
	v.SetDefault(KeyPrefersIsolated, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadPolicy reads the environment policy through v (a fresh viper when
// nil). If the config key is set, through UNIRUN_CONFIG or on v, the file
// it names is read too; environment variables still win over the file.
func LoadPolicy(v *viper.Viper) (Policy, error) {
	if v == nil {
		v = viper.New()
	}
	SetPolicyDefaults(v)

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Policy{}, fmt.Errorf("read policy file %s: %w", path, err)
		}
	}
	return PolicyFrom(v)
}

// PolicyFrom converts the values already present on v into a Policy.
func PolicyFrom(v *viper.Viper) (Policy, error) {
	mode, err := ParseThreadMode(v.GetString(KeyThreadMode))
	if err != nil {
		return Policy{}, err
	}
	workers := v.GetInt(KeyMaxWorkers)
	if workers < 0 {
		return Policy{}, fmt.Errorf("unirun: %s must not be negative, got %d", KeyMaxWorkers, workers)
	}
	return Policy{
		ThreadMode:      mode,
		ForceThreads:    v.GetBool(KeyForceThreads),
		ForceProcesses:  v.GetBool(KeyForceProcesses),
		CompatMode:      v.GetBool(KeyCompatMode),
		MaxWorkers:      workers,
		PrefersIsolated: v.GetBool(KeyPrefersIsolated),
	}, nil
}

// WatchPolicy re-reads the policy whenever v's config file changes and
// installs it on rt. An invalid file is logged and the previous policy kept.
func (rt *Runtime) WatchPolicy(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		return errors.New("unirun: WatchPolicy needs a viper instance with a config file")
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		p, err := PolicyFrom(v)
		if err != nil {
			rt.logger.Warn("policy reload rejected", "file", e.Name, "error", err)
			return
		}
		rt.SetPolicy(p)
		rt.logger.Info("policy reloaded", "file", e.Name, "op", e.Op.String())
	})
	v.WatchConfig()
	return nil
}

package config

import (
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config represents an alias to viper config
type Config = viper.Viper

var HookhubConfig *Config

// New returns a new pointer to the config
func New() *Config {
	v := viper.New()
	v.SetDefault("port", 3000)
	v.SetDefault("workers", 4)
	v.SetDefault("build_date", "null")
	v.SetDefault("deployed_at", time.Now().UTC().Format(time.RFC3339))
	v.SetDefault("always_filter_skip_ci", false)
	v.SetDefault("sequential_runs", false)
	v.SetDefault("predecessor_window_minutes", 10)
	v.SetDefault("verification_retry_minutes", 2)
	v.SetDefault("provider_retry_seconds", 30)
	v.SetDefault("rate_limit_floor", 500)
	v.SetDefault("collaborator_refresh_delay_seconds", 10)
	v.SetDefault("reconcile_cron", "0 0 */6 * * *")
	v.AutomaticEnv()
	return v
}

func init() {
	HookhubConfig = New()
}

func GetPort() int {
	return cast.ToInt(HookhubConfig.Get("port"))
}

func Workers() int {
	return cast.ToInt(HookhubConfig.Get("workers"))
}

// AlwaysFilterSkipCi forces the skip-ci filter for tags as well; by
// default tags are exempt.
func AlwaysFilterSkipCi() bool {
	return HookhubConfig.GetBool("always_filter_skip_ci")
}

// SequentialRuns gates the predecessor-window reordering heuristic.
func SequentialRuns() bool {
	return HookhubConfig.GetBool("sequential_runs")
}

func PredecessorWindow() time.Duration {
	return time.Duration(HookhubConfig.GetInt("predecessor_window_minutes")) * time.Minute
}

func VerificationRetryDelay() time.Duration {
	return time.Duration(HookhubConfig.GetInt("verification_retry_minutes")) * time.Minute
}

func ProviderRetryDelay() time.Duration {
	return time.Duration(HookhubConfig.GetInt("provider_retry_seconds")) * time.Second
}

func RateLimitFloor() int {
	return HookhubConfig.GetInt("rate_limit_floor")
}

func CollaboratorRefreshDelay() time.Duration {
	return time.Duration(HookhubConfig.GetInt("collaborator_refresh_delay_seconds")) * time.Second
}

func ReconcileCron() string {
	return HookhubConfig.GetString("reconcile_cron")
}

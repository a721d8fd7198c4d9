package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the settings for the gateway process.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	// MongoURL empty means run on the in-memory store: single node, no
	// durability, fine for development.
	MongoURL      string `mapstructure:"mongodb_url"`
	MongoDatabase string `mapstructure:"mongodb_database"`

	// ClusterAPI is the IPFS Cluster REST endpoint outputs are pinned to.
	ClusterAPI string `mapstructure:"cluster_api"`

	// AdminDIDs may push new jobs onto the queue.
	AdminDIDs []string `mapstructure:"admin_dids"`

	ReassignInterval time.Duration `mapstructure:"reassign_interval"`
	ConfirmInterval  time.Duration `mapstructure:"confirm_interval"`

	LivenessThreshold    time.Duration `mapstructure:"liveness_threshold"`
	UploadStallThreshold time.Duration `mapstructure:"upload_stall_threshold"`
	TimeBudget           time.Duration `mapstructure:"time_budget"`
	SelectWindow         int           `mapstructure:"select_window"`
	PreferredSetSize     int           `mapstructure:"preferred_set_size"`
	PreferredRecency     time.Duration `mapstructure:"preferred_recency"`
	MaxFails             int           `mapstructure:"max_fails"`
}

// LoadConfig initializes Viper and merges all config sources.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":4005")
	v.SetDefault("log_level", "info")
	v.SetDefault("mongodb_database", "spk-encoder-gateway")
	v.SetDefault("cluster_api", "http://127.0.0.1:9094")
	v.SetDefault("reassign_interval", 15*time.Minute)
	v.SetDefault("confirm_interval", time.Minute)
	v.SetDefault("liveness_threshold", time.Minute)
	v.SetDefault("upload_stall_threshold", 40*time.Minute)
	v.SetDefault("time_budget", 30*time.Minute)
	v.SetDefault("select_window", 20)
	v.SetDefault("preferred_set_size", 6)
	v.SetDefault("preferred_recency", 24*time.Hour)
	v.SetDefault("max_fails", 5)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// A missing config file is fine; env vars may carry everything.
	_ = v.ReadInConfig()

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err := v.Unmarshal(&cfg)
	return &cfg, err
}

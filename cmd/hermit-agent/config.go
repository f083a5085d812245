package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log   LogConfig
	Agent AgentConfig
}

type AgentConfig struct {
	RelayURL    string `mapstructure:"relay_url"`
	MachineName string `mapstructure:"machine_name"`
	Token       string `mapstructure:"token"`
	StateDir    string `mapstructure:"state_dir"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/hermit-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("agent.token", "HERMIT_TOKEN")
	_ = viper.BindEnv("agent.relay_url", "HERMIT_RELAY_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	if config.Agent.StateDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			config.Agent.StateDir = filepath.Join(home, ".hermit")
		} else {
			config.Agent.StateDir = ".hermit"
		}
	}

	initLogger(config.Log.Level)
}

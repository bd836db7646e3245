package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	internalhttp "github.com/mtwarden/mtwarden/internal/api/http"
	"github.com/mtwarden/mtwarden/internal/auth"
	"github.com/mtwarden/mtwarden/internal/db"
	"github.com/mtwarden/mtwarden/internal/engine"
	"github.com/mtwarden/mtwarden/internal/provisioner"
	"github.com/mtwarden/mtwarden/internal/telegram"
)

type Config struct {
	Log      LogConfig
	Http     internalhttp.Config
	Database db.Config
	Auth     auth.Config
	Engine   engine.Config
	Telegram telegram.Config
	Proxy    ProxyConfig
	Ssh      provisioner.SSHConfig
}

// ProxyConfig describes the MTProxy endpoint: the management side
// (service unit on the remote host) and the user-facing side (host,
// port and fake-TLS domain baked into connection links).
type ProxyConfig struct {
	PublicHost  string             `mapstructure:"public_host"`
	Port        int                `mapstructure:"port"`
	TLSDomain   string             `mapstructure:"tls_domain"`
	Provisioner provisioner.Config `mapstructure:",squash"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/mtwarden")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("telegram.token", "TELEGRAM_TOKEN")
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("ssh.key_path", "SSH_KEY_PATH")
	_ = viper.BindEnv("auth.secret", "AUTH_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(redacted(config), "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

// redacted blanks secret material before the debug dump.
func redacted(c Config) Config {
	c.Telegram.Token = ""
	c.Auth.Secret = ""
	c.Auth.AdminPasswordHash = ""
	c.Http.AdminAPIKey = ""
	c.Database.Url = ""
	return c
}

package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/TomasGnG/discord-bot/bot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = bot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "discord-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", bot.DefaultDatabase)
	viper.SetDefault("database_type", bot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		bot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		bot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", bot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", bot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", bot.DefaultShutdownTimeout)

	// Dispatch config
	viper.SetDefault("dispatch.intake_size", bot.DefaultIntakeSize)
	viper.SetDefault("dispatch.dedup_window_size", bot.DefaultDedupWindowSize)
	viper.SetDefault("dispatch.lane_size", bot.DefaultLaneSize)
	viper.SetDefault("dispatch.worker_pool_size", bot.DefaultWorkerPoolSize)
	viper.SetDefault("dispatch.scope_idle_timeout", bot.DefaultScopeIdleTimeout)
	viper.SetDefault("dispatch.eviction_interval", bot.DefaultEvictionInterval)

	// Store config
	viper.SetDefault("store.cache_ttl", bot.DefaultConfigCacheTTL)
	viper.SetDefault("store.max_attempts", bot.DefaultStoreMaxAttempts)
	viper.SetDefault("store.retry_initial", bot.DefaultStoreRetryInitial)
	viper.SetDefault("store.retry_max", bot.DefaultStoreRetryMax)

	// Notify config
	viper.SetDefault("notify.max_attempts", bot.DefaultNotifyMaxAttempts)
	viper.SetDefault("notify.retry_initial", bot.DefaultNotifyRetryInitial)
	viper.SetDefault("notify.retry_max", bot.DefaultNotifyRetryMax)
	viper.SetDefault("notify.poll_interval", bot.DefaultNotifyPollInterval)
	viper.SetDefault("notify.rate_per_second", bot.DefaultNotifyRatePerSecond)

	// Alert config
	viper.SetDefault("alert.channel_id", "")
	viper.SetDefault("alert.role_id", "")
	viper.SetDefault("alert.first_reminder", bot.DefaultAlertFirstReminder)
	viper.SetDefault("alert.last_reminder", bot.DefaultAlertLastReminder)
	viper.SetDefault("alert.sweep_interval", bot.DefaultAlertSweepInterval)

	// Mail config
	viper.SetDefault("mail.enabled", false)
	viper.SetDefault("mail.url", "")
	viper.SetDefault("mail.channel_id", "")
	viper.SetDefault("mail.poll_interval", bot.DefaultMailPollInterval)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", bot.DefaultDiscordStartupMsg)
	viper.SetDefault("discord.custom_status", bot.DefaultDiscordCustomStatus)
	viper.SetDefault(
		"discord.log_level",
		bot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		bot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		bot.DefaultDiscordGatewayIntent,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", bot.DefaultAPIListen)
	viper.SetDefault("api.token_hash", "")
	viper.SetDefault("api.log_level", bot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", bot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		bot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", bot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", bot.DefaultIdleTimeout)
	viper.SetDefault("api.cors_allow_origins", []string{})
	viper.SetDefault("api.development", false)

	envPrefix := os.Getenv(bot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = bot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"api.cors_allow_origins",
		viper.GetStringSlice("api.cors_allow_origins"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

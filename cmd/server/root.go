package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/npezzotti/go-sse-relay/internal/api"
	"github.com/npezzotti/go-sse-relay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix   = "SSE_RELAY"
	defaultAddr = "localhost:8000"

	addrKey              = "addr"
	allowedOriginsKey    = "allowed-origins"
	signingKeyKey        = "signing-key"
	dsnKey               = "dsn"
	notifyChannelKey     = "notify-channel"
	heartbeatIntervalKey = "heartbeat-interval"
	sendBufferSizeKey    = "send-buffer-size"
)

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sse-relay",
		Short: "Relays chat events to connected users over Server-Sent Events",
		Long: `sse-relay keeps one event stream per online user, tracks room
membership, and fans chat, typing, read and notification events out to
the right streams.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			logger := log.New(os.Stderr, "[sse-relay] ", log.LstdFlags)
			return serve(logger, cfg)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml)")
	pf.String(signingKeyKey, "", "base64 encoded token signing key, empty disables token checks")

	f := cmd.Flags()
	f.String(addrKey, defaultAddr, "server address")
	f.StringSlice(allowedOriginsKey, nil, "comma-separated list of allowed origins for CORS")
	f.String(dsnKey, "", "postgres connection string, enables the NOTIFY bridge")
	f.String(notifyChannelKey, config.DefaultNotifyChannel, "postgres channel to LISTEN on")
	f.Duration(heartbeatIntervalKey, config.DefaultHeartbeatInterval, "interval between stream heartbeats, 0 disables them")
	f.Int(sendBufferSizeKey, config.DefaultSendBufferSize, "per-stream send buffer size")

	v.BindPFlags(pf)
	v.BindPFlags(f)

	cmd.AddCommand(newTokenCmd(v))

	return cmd
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Prints a signed token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString(signingKeyKey)
			if secret == "" {
				return fmt.Errorf("--%s is required", signingKeyKey)
			}

			cfg, err := config.NewConfig(defaultAddr, "", secret, nil)
			if err != nil {
				return err
			}

			token, err := api.CreateToken(cfg.SigningKey, args[0], ttl)
			if err != nil {
				return fmt.Errorf("create token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", api.DefaultTokenExpiration, "token lifetime")

	return cmd
}

// initConfig layers SSE_RELAY_* environment variables and an optional
// config file under the command line flags.
func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}

	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}

	return nil
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.NewConfig(
		v.GetString(addrKey),
		v.GetString(dsnKey),
		v.GetString(signingKeyKey),
		splitList(v.GetStringSlice(allowedOriginsKey)),
	)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.NotifyChannel = v.GetString(notifyChannelKey)
	cfg.HeartbeatInterval = v.GetDuration(heartbeatIntervalKey)
	cfg.SendBufferSize = v.GetInt(sendBufferSizeKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// splitList flattens comma-separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

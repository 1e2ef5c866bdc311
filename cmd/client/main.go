package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/npezzotti/go-sse-relay/internal/sseclient"
	"github.com/npezzotti/go-sse-relay/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "SSE_CLIENT"

	urlKey         = "url"
	userIdKey      = "user-id"
	tokenKey       = "token"
	credentialsKey = "credentials"
	joinKey        = "join"
)

func main() {
	if err := newListenCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".sse-relay-credentials.json"
	}
	return filepath.Join(dir, "sse-relay", "credentials.json")
}

func newListenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sse-listen",
		Short: "Opens a relay event stream and prints every event as a JSON line",
		Long: `sse-listen connects to an sse-relay server as a user, joins the given
rooms on every (re)connect, and prints the events it receives. The user id
and token are saved to the credentials file so later runs can omit them.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			v.SetEnvPrefix(envPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(cmd.ErrOrStderr(), "[sse-listen] ", log.LstdFlags)

			store := sseclient.NewFileStore(v.GetString(credentialsKey))
			if userId := v.GetString(userIdKey); userId != "" {
				creds := sseclient.Credentials{UserId: userId, Token: v.GetString(tokenKey)}
				if err := store.Save(creds); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return listen(ctx, logger, cmd.OutOrStdout(), store, v.GetString(urlKey), v.GetStringSlice(joinKey))
		},
	}

	f := cmd.Flags()
	f.String(urlKey, "http://localhost:8000", "relay base URL")
	f.String(userIdKey, "", "user id to connect as, saved to the credentials file")
	f.String(tokenKey, "", "token for relays with token checks enabled")
	f.String(credentialsKey, defaultCredentialsPath(), "credentials file")
	f.StringSlice(joinKey, nil, "rooms to join after connecting")

	v.BindPFlags(f)

	return cmd
}

func listen(ctx context.Context, logger *log.Logger, out io.Writer, store sseclient.CredentialStore, baseURL string, rooms []string) error {
	c := sseclient.New(baseURL, store, logger)

	enc := json.NewEncoder(out)
	c.OnMessage(func(env *types.Envelope) {
		if err := enc.Encode(env); err != nil {
			logger.Printf("write event: %v", err)
		}
	})

	c.OnConnectionChange(func(connected bool) {
		if !connected {
			logger.Printf("stream down, state %s", c.State())
			return
		}

		logger.Println("stream connected")
		go func() {
			for _, roomId := range rooms {
				ok, err := c.JoinRoom(ctx, roomId)
				if err != nil {
					logger.Printf("join %q: %v", roomId, err)
					continue
				}
				if !ok {
					logger.Printf("join %q rejected", roomId)
				}
			}
		}()
	})

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	<-ctx.Done()
	c.Disconnect()

	return nil
}

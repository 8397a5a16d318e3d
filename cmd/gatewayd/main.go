package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	gateway "github.com/hiddenbraintechnologies-sys/mobile-gateway"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/notifications"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/state"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/token"
)

const (
	// Required.
	EnvAccessSecret  = "GATEWAY_ACCESS_SECRET"
	EnvRefreshSecret = "GATEWAY_REFRESH_SECRET"
	// Optional.
	EnvSentryDSN  = "GATEWAY_SENTRY_DSN"
	EnvPushAPIKey = "GATEWAY_PUSH_API_KEY"
)

var (
	flagBindAddr = flag.String("port", ":8008", "Bind address")
	flagPostgres = flag.String("db", "", "Postgres DB connection string (see lib/pq docs); empty runs with in-memory state")
	flagPushURL  = flag.String("push", "", "Base URL of the notification service; empty disables push registration")
)

func main() {
	flag.Parse()
	accessSecret := os.Getenv(EnvAccessSecret)
	refreshSecret := os.Getenv(EnvRefreshSecret)
	if accessSecret == "" || refreshSecret == "" {
		fmt.Fprintf(os.Stderr, "%s and %s must be set\n", EnvAccessSecret, EnvRefreshSecret)
		os.Exit(1)
	}

	if dsn := os.Getenv(EnvSentryDSN); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise sentry: %s\n", err)
			os.Exit(1)
		}
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte(accessSecret),
		RefreshSecret: []byte(refreshSecret),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad token config: %s\n", err)
		os.Exit(1)
	}

	cfg := gateway.Config{Codec: codec}
	if *flagPostgres != "" {
		store := state.NewStorage(*flagPostgres)
		cfg.Registry = store.SessionsTable
		cfg.Users = store.UsersTable
		cfg.States = store.SyncStateTable
		cfg.Records = store.RecordsTable
	} else {
		mem := state.NewMemory()
		cfg.Registry = mem
		cfg.Users = mem
		cfg.States = mem
		cfg.Records = mem
	}
	if *flagPushURL != "" {
		cfg.Push = &notifications.HTTPClient{
			Client:  &http.Client{Timeout: 10 * time.Second},
			BaseURL: *flagPushURL,
			APIKey:  os.Getenv(EnvPushAPIKey),
		}
	}
	gateway.RunGatewayServer(cfg, *flagBindAddr)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/roomrelay/config"
	"github.com/tcriess/roomrelay/globals"
	"github.com/tcriess/roomrelay/room"
	"github.com/tcriess/roomrelay/ws"
)

const healthcheckTimeout = 5 * time.Second

var configPath string

func main() {
	flagSet := config.GetFlagSet()

	var rootCmd = &cobra.Command{
		Use:          globals.AppName,
		Short:        "Relay chat messages between websocket clients in short-lived rooms",
		Long:         `roomrelay hands out user and room ids over a websocket and relays chat messages to every member of a room. Without a subcommand it runs serve.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flagSet)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var cmdServe = &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		Long:  `serve accepts websocket connections on /ws and answers liveness probes on /health until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flagSet)
		},
	}
	var cmdHealthcheck = &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running server",
		Long:  `healthcheck requests /health from the server at the configured address and fails unless it answers OK.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return healthcheck(flagSet, cmd.OutOrStdout())
		},
	}
	rootCmd.AddCommand(cmdServe, cmdHealthcheck)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return nil, err
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	return cfg, nil
}

func serve(flagSet *pflag.FlagSet) error {
	cfg, err := loadConfig(flagSet)
	if err != nil {
		return err
	}

	ids, err := room.NewIDGenerator()
	if err != nil {
		return err
	}
	registry, err := room.NewRegistry(room.WithExpiry(cfg.RoomExpiry), room.WithIDGenerator(ids))
	if err != nil {
		return err
	}
	registryCtx, stopRegistry := context.WithCancel(context.Background())
	defer stopRegistry()
	go registry.Run(registryCtx)

	router := room.NewRouter(registry, ids, room.WithGuestNames(cfg.GuestNames))
	server, err := ws.NewServer(cfg, registry, router)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			globals.AppName: func(ctx context.Context) error {
				globals.AppLogger.Info("graceful shutdown initiated")
				// clients leave their rooms while the registry is still running
				err := server.Shutdown(ctx)
				stopRegistry()
				select {
				case <-registry.Done():
				case <-ctx.Done():
					return errors.Join(err, ctx.Err())
				}
				return err
			},
		},
	)

	var exitCode int
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("could not serve on %s: %w", cfg.Addr, err)
		}
		// the listener only closes cleanly from within the shutdown operation
		exitCode = <-wait
	case exitCode = <-wait:
	}
	if exitCode != 0 {
		return fmt.Errorf("shutdown finished with exit code %d", exitCode)
	}
	globals.AppLogger.Info("exiting")
	return nil
}

func healthcheck(flagSet *pflag.FlagSet, out io.Writer) error {
	cfg, err := loadConfig(flagSet)
	if err != nil {
		return err
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("invalid addr %q: %w", cfg.Addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := "http://" + net.JoinHostPort(host, port) + "/health"

	client := &http.Client{Timeout: healthcheckTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "OK" {
		return fmt.Errorf("unhealthy: %s %q", resp.Status, body)
	}
	_, _ = fmt.Fprintln(out, "OK")
	return nil
}

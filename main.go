// main.go
// Application entry point: the chatserver command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/erilali/chatserver/internal/api"
	"github.com/erilali/chatserver/internal/auth"
	"github.com/erilali/chatserver/internal/config"
	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "chatserver.json"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatserver",
		Short: "Real-time chat server",
		Long: `chatserver keeps one websocket session per user, persists direct and
group messages, and routes them to whoever is online.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to the JSON config file")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		addr   string
		devLog bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if devLog {
				cfg.Log.LogToJSON = false
				cfg.Log.LogToFile = false
				cfg.Log.Level = "debug"
			}

			logger.InitLogger(cfg.Log)
			serverLogger := logger.NewLogger("server")
			serverLogger.WithFields(map[string]interface{}{
				"level":       cfg.Log.Level,
				"log_to_file": cfg.Log.LogToFile,
				"log_to_json": cfg.Log.LogToJSON,
				"file_path":   cfg.Log.FilePath,
			}).Info("Logger configuration details")
			if cfg.AllowQueryUserID {
				serverLogger.Warn("Accepting ?userId= without a token. Do not use this in production.")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := api.NewServer(ctx, cfg, serverLogger)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides the config file")
	cmd.Flags().BoolVar(&devLog, "dev-log", false, "Colored debug logging to the console only")

	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url is not configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			n, err := pg.Migrate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migrations\n", n)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return errors.Errorf("invalid user id %q", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("jwt_secret is not configured")
			}

			token, expires, err := auth.Issue(auth.Options{
				Secret: []byte(cfg.JWTSecret),
				Alg:    cfg.JWTAlg,
				TTL:    ttl,
			}, userID)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}

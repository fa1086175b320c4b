package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sharedrop/sharedrop/internal/config"
	"github.com/sharedrop/sharedrop/internal/lifecycle"
	"github.com/sharedrop/sharedrop/internal/logging"
	"github.com/sharedrop/sharedrop/internal/server"
	"github.com/sharedrop/sharedrop/internal/share"
	"github.com/sharedrop/sharedrop/pkg/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServerURL = "http://localhost:8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sharedrop",
		Short: "sharedrop - share text and files behind short codes",
		Long: `sharedrop stores text snippets and files and hands back a short code.
Anyone with the code can fetch the content until it expires or runs out of views.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	// Server configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8080", "Listen address")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("public-url", defaultServerURL, "Public base URL used in share links")
	rootCmd.PersistentFlags().String("storage-backend", config.BackendSQLite, "Share store (sqlite, badger, pebble, memory, s3, postgres, mysql, gormlite)")
	rootCmd.PersistentFlags().Bool("enable-tls", false, "Enable TLS")
	rootCmd.PersistentFlags().String("tls-cert", "", "TLS certificate file")
	rootCmd.PersistentFlags().String("tls-key", "", "TLS key file")

	rootCmd.AddCommand(newPushCmd(), newGetCmd(), newRmCmd(), newSweepCmd())

	return rootCmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logOutputs, err := logging.NewManager(logrus.StandardLogger(), cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up log outputs: %w", err)
	}
	defer logOutputs.Close()

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting sharedrop")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("sharedrop stopped")
	return nil
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func addServerFlag(cmd *cobra.Command) {
	serverURL := os.Getenv("SHAREDROP_SERVER")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	cmd.Flags().StringP("server", "s", serverURL, "sharedrop server URL (env SHAREDROP_SERVER)")
}

func newClient(cmd *cobra.Command) *client.Client {
	serverURL, _ := cmd.Flags().GetString("server")
	return client.NewClient(serverURL)
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push [text...]",
		Short: "Share text and/or a file",
		Long: `Share text and/or a file. Text comes from the arguments, or from
standard input when the only argument is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &client.CreateRequest{}

			if len(args) == 1 && args[0] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				req.Text = string(data)
			} else {
				req.Text = strings.Join(args, " ")
			}

			if path, _ := cmd.Flags().GetString("file"); path != "" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open file: %w", err)
				}
				defer f.Close()
				req.File = f
				req.FileName = filepath.Base(path)
			}

			if cmd.Flags().Changed("max-views") {
				n, _ := cmd.Flags().GetInt("max-views")
				req.MaxViews = &n
			}
			if cmd.Flags().Changed("expiry-hours") {
				n, _ := cmd.Flags().GetInt("expiry-hours")
				req.ExpiryHours = &n
			}

			created, err := newClient(cmd).Create(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Code:    %s\n", created.Code)
			fmt.Fprintf(out, "URL:     %s\n", created.URL)
			if created.DownloadURL != "" {
				fmt.Fprintf(out, "File:    %s\n", created.DownloadURL)
			}
			fmt.Fprintf(out, "Expires: %s (%s)\n", created.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(created.ExpiresAt))
			if created.MaxViews != nil {
				fmt.Fprintf(out, "Views:   %d\n", *created.MaxViews)
			}
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "File to share")
	cmd.Flags().Int("max-views", 0, "Number of retrievals allowed (default unlimited)")
	cmd.Flags().Int("expiry-hours", 0, "Hours until the share expires (default server setting)")
	addServerFlag(cmd)

	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <code>",
		Short: "Retrieve a share",
		Long: `Retrieve a share and print its text and file details. With -o the
file is downloaded instead. Either way the retrieval counts as a view.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			code := strings.TrimSpace(args[0])
			out := cmd.OutOrStdout()

			if output, _ := cmd.Flags().GetString("output"); output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}

				name, n, err := c.Download(cmd.Context(), code, f)
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					os.Remove(output)
					return err
				}

				fmt.Fprintf(out, "Saved %s to %s (%s)\n", name, output, humanize.IBytes(uint64(n)))
				return nil
			}

			s, err := c.Get(cmd.Context(), code)
			if err != nil {
				return err
			}

			if s.Text != nil {
				fmt.Fprintln(out, *s.Text)
			}
			if s.File != nil {
				fmt.Fprintf(out, "File: %s (%s, %s)\n", s.File.Name, s.File.ContentType, humanize.IBytes(uint64(s.File.Size)))
				fmt.Fprintf(out, "Download: %s\n", s.File.DownloadURL)
			}
			if s.RemainingViews != nil {
				fmt.Fprintf(out, "Views left: %d\n", *s.RemainingViews)
			}
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "", "Write the shared file to this path")
	addServerFlag(cmd)

	return cmd
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <code>",
		Short: "Delete a share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cmd).Delete(cmd.Context(), strings.TrimSpace(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Content deleted successfully.")
			return nil
		},
	}

	addServerFlag(cmd)

	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and used-up shares from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging(cfg.LogLevel)

			ctx := cmd.Context()
			store, err := server.OpenStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open share store: %w", err)
			}
			defer store.Close()

			manager := share.NewManager(store, share.Options{
				CodeLength:         cfg.Share.CodeLength,
				DefaultExpiryHours: cfg.Share.DefaultExpiryHours,
				MaxExpiryHours:     cfg.Share.MaxExpiryHours,
				MaxCodeAttempts:    cfg.Share.MaxCodeAttempts,
			})

			removed, err := lifecycle.NewWorker(manager, nil).RunOnce(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired shares\n", removed)
			return nil
		},
	}
}

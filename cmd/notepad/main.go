package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/config"
	"github.com/MarcoPoloResearchLab/notepad/internal/editor"
	"github.com/MarcoPoloResearchLab/notepad/internal/logging"
	"github.com/MarcoPoloResearchLab/notepad/internal/notes"
	"github.com/MarcoPoloResearchLab/notepad/internal/server"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "notepad",
		Short:        "Multi-session notepad storage engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect and clean up stored images",
	}
	imagesCmd.AddCommand(
		&cobra.Command{
			Use:   "unreferenced",
			Short: "List images no document refers to",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runImages(cmd.OutOrStdout(), false)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete images no document refers to",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runImages(cmd.OutOrStdout(), true)
			},
		},
	)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve one editor session over HTTP",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Upgrade the stored layout to the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored documents, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runList(cmd.OutOrStdout())
			},
		},
		imagesCmd,
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Store driver (sqlite, memory)")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "SQLite database path")
	cmd.PersistentFlags().String("namespace", defaults.GetString("store.namespace"), "Key namespace prefix")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("sync.poll_interval"), "Reconciliation poll interval")
	cmd.PersistentFlags().Duration("autosave-delay", defaults.GetDuration("autosave.delay"), "Quiet window before edits are saved")

	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "store.namespace", "namespace")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "sync.poll_interval", "poll-interval")
	bindFlag(cmd, "autosave.delay", "autosave-delay")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("notepad")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stores, err := openStores(appConfig, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	feed := server.NewChangeFeed()
	session, err := editor.NewSession(editor.Config{
		Documents:     stores.documents,
		Images:        stores.images,
		Notifier:      stores.notifier,
		AutosaveDelay: appConfig.AutosaveDelay,
		PollInterval:  appConfig.PollInterval,
		Logger:        logger.Named("editor"),
		OnChange:      feed.DocumentsChanged,
		OnReplace: func(document notes.Document) {
			feed.DocumentReplaced(document.ID.String(), document.LastSaved)
		},
	})
	if err != nil {
		return err
	}
	if _, err := session.Load(); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Editor: session,
		Feed:   feed,
		Logger: logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return session.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(out io.Writer) error {
	return withStores(func(stores *storeSet, logger *zap.Logger) error {
		before := stores.documents.CurrentVersion()
		documents, err := stores.documents.Snapshot()
		if err != nil {
			return err
		}
		after := stores.documents.CurrentVersion()
		if after < notes.CurrentVersion {
			return fmt.Errorf("migration incomplete: stored version %d, want %d", after, notes.CurrentVersion)
		}
		logger.Debug("migrate finished", zap.Int("from_version", before), zap.Int("to_version", after))
		_, err = fmt.Fprintf(out, "storage version %d -> %d (%d documents)\n", before, after, len(documents))
		return err
	})
}

func runList(out io.Writer) error {
	return withStores(func(stores *storeSet, _ *zap.Logger) error {
		documents, err := stores.documents.Snapshot()
		if err != nil {
			return err
		}
		current, _ := stores.documents.CurrentID()
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tLAST SAVED\tFONT\tTITLE")
		for _, document := range documents.Sorted() {
			marker := ""
			if document.ID == current {
				marker = " *"
			}
			fmt.Fprintf(writer, "%s%s\t%s\t%s\t%s\n",
				document.ID, marker,
				time.UnixMilli(document.LastSaved).UTC().Format(time.RFC3339),
				document.Font,
				document.DisplayTitle())
		}
		return writer.Flush()
	})
}

func runImages(out io.Writer, sweep bool) error {
	return withStores(func(stores *storeSet, logger *zap.Logger) error {
		documents, err := stores.documents.Snapshot()
		if err != nil {
			return err
		}
		var ids []notes.ImageID
		if sweep {
			ids, err = stores.images.SweepUnreferenced(stores.documents, documents)
			if err != nil {
				return err
			}
			logger.Info("unreferenced images swept", zap.Int("count", len(ids)))
		} else {
			ids, err = stores.images.FindUnreferenced(stores.documents, documents)
			if err != nil {
				return err
			}
		}
		for _, id := range ids {
			if _, err := fmt.Fprintln(out, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func withStores(fn func(*storeSet, *zap.Logger) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stores, err := openStores(appConfig, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(stores, logger)
}

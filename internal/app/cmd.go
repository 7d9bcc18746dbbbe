package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/letsgo/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// newRootCommand はサブコマンドを登録したルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
func newRootCommand(w io.Writer) *cobra.Command {
	var cfg *config.Config

	load := func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		slog.Info("starting application",
			slog.String("command", cmd.Name()),
			slog.String("driver", cfg.DocstoreDriver),
			slog.String("port", cfg.ServerPort),
		)
		return nil
	}

	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), cfg)
	}

	rootCmd := &cobra.Command{
		Use:   "letsgo",
		Short: "Event planning API server",
		Long: `letsgo serves the account, username directory and event API.
Run without a subcommand to start the API server.`,
		Args:              cobra.NoArgs,
		PersistentPreRunE: load,
		RunE:              serve,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	rootCmd.SetOut(w)
	rootCmd.SetErr(w)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   string(CommandServe),
			Short: "Start the HTTP API server",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		&cobra.Command{
			Use:   string(CommandWorker),
			Short: "Run background jobs (reset cleanup, directory audit)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runWorker(cmd.Context(), cfg)
			},
		},
		newMigrateCommand(func() *config.Config { return cfg }),
		&cobra.Command{
			Use:   string(CommandHealthcheck),
			Short: "Probe the local /health endpoint",
			Args:  cobra.NoArgs,
			// 軽量サブコマンドのため、フル初期化をスキップする
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			RunE: func(cmd *cobra.Command, _ []string) error {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				return runHealthcheck(cmd.Context(), port)
			},
		},
	)

	return rootCmd
}

// newMigrateCommand はmigrateサブコマンドを生成する。
// --down Nを指定すると適用済みのマイグレーションをN件巻き戻す。
func newMigrateCommand(cfg func() *config.Config) *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply (or roll back) database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cfg(), down)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "number of applied migrations to roll back")

	return cmd
}

// execute はargsでルートコマンドを実行する。
func execute(ctx context.Context, w io.Writer, args []string) error {
	rootCmd := newRootCommand(w)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// Package cli は運用者向けの importctl コマンドを提供します。
//
//	importctl worker                                   ワーカーを起動
//	importctl prepare --job ID --table T --file F.csv  CSVをジョブに登録
//	importctl run --job ID                             実行を開始
//	importctl status --job ID                          状態を表示
//	importctl finalize --job ID                        最終段階の実行を確定
//	importctl reset --job ID [--force]                 ジョブのキーを削除
//	importctl wait --job ID --signal S                 シグナルを待つ
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
	"github.com/yourusername/csv-importer/internal/csvimport"
	"github.com/yourusername/csv-importer/internal/jobs"
	"github.com/yourusername/csv-importer/internal/logger"
	"github.com/yourusername/csv-importer/internal/metrics"
)

// ErrJobRunning は実行中のジョブを強制せずにリセットしようとしたときに返します。
var ErrJobRunning = errors.New("job is running; use --force to reset anyway")

type app struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb   *redis.Client
	db    *sql.DB
	queue *jobs.Queue
}

// BuildCLI はルートコマンドを組み立てます。
func BuildCLI() *cobra.Command {
	return (&app{}).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "importctl",
		Short:         "Operate CSV import jobs",
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	rootCmd.AddCommand(a.buildWorkerCommand())
	rootCmd.AddCommand(a.buildPrepareCommand())
	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildFinalizeCommand())
	rootCmd.AddCommand(a.buildResetCommand())
	rootCmd.AddCommand(a.buildWaitCommand())

	return rootCmd
}

func (a *app) init() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	zl, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	a.cfg = cfg
	a.logger = zl
	a.rdb = redis.NewClient(opt)
	return nil
}

func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Shutdown()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) store() *jobs.RedisStore {
	return jobs.NewRedisStore(a.rdb, a.cfg.KeyRetention())
}

func (a *app) importer() (*csvimport.Service, error) {
	db, err := csvimport.OpenDB(a.cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	return csvimport.NewService(a.cfg, csvimport.NewSQLSink(db, a.cfg.DBDriver), a.logger.Named("csvimport"))
}

func (a *app) dispatcher() (*jobs.Queue, error) {
	queue, err := jobs.NewQueue(a.cfg.RedisURL, a.cfg.QueueConcurrency, a.logger.Named("queue"))
	if err != nil {
		return nil, err
	}
	a.queue = queue
	return queue, nil
}

// manager は読み取りと確定・リセット用の Manager を返します。パイプラインは持ちません。
func (a *app) manager() (*jobs.Manager, error) {
	return jobs.NewManager(a.cfg, a.store(), nil, nil, nil, a.logger.Named("jobs"))
}

func (a *app) buildWorkerCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run import workers until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.importer()
			if err != nil {
				return err
			}
			queue, err := a.dispatcher()
			if err != nil {
				return err
			}

			var collector *metrics.Collector
			if a.cfg.MetricsEnabled {
				collector = metrics.NewRuntimeCollector()
			}
			mgr, err := jobs.NewManager(a.cfg, a.store(), svc, queue, collector, a.logger.Named("jobs"))
			if err != nil {
				return err
			}

			if collector != nil && metricsAddr != "" {
				srv := metrics.NewServer(metricsAddr, collector)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("worker metrics server failed", zap.Error(err))
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
				a.logger.Info("serving worker metrics", zap.String("addr", metricsAddr))
			}

			a.logger.Info("starting import workers", zap.Int("concurrency", a.cfg.QueueConcurrency))
			return queue.RunWorkers(mgr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "listen address for /metrics; empty disables it")
	return cmd
}

func (a *app) buildPrepareCommand() *cobra.Command {
	var jobID, table, file string

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Register a CSV file for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			svc, err := a.importer()
			if err != nil {
				return err
			}
			var manifest *csvimport.Manifest
			err = mgr.Exclusive(cmd.Context(), jobID, func(ctx context.Context) error {
				var err error
				manifest, err = svc.PrepareFromPath(ctx, jobID, table, file)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), manifest)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&table, "table", "", "destination table")
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file path")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) buildRunCommand() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a job unless it is already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.dispatcher()
			if err != nil {
				return err
			}
			mgr, err := jobs.NewManager(a.cfg, a.store(), nil, queue, nil, a.logger.Named("jobs"))
			if err != nil {
				return err
			}
			snap, started, err := mgr.Run(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"jobId":    jobID,
				"started":  started,
				"progress": snap,
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) buildStatusCommand() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show lock, progress, result and last error of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			st, err := mgr.Status(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) buildFinalizeCommand() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Confirm a job waiting in the final stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			if err := mgr.Finalize(cmd.Context(), jobID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "finalize requested for %s\n", jobID)
			return err
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) buildResetCommand() *cobra.Command {
	var (
		jobID string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every key of a job, including its lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			if !force {
				snap, err := mgr.Progress(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if snap != nil && !snap.Finished() {
					return ErrJobRunning
				}
			}
			if err := mgr.Reset(cmd.Context(), jobID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", jobID)
			return err
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().BoolVar(&force, "force", false, "reset even if the job looks alive")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) buildWaitCommand() *cobra.Command {
	var jobID, signal string

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until a job raises a signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			waiter := mgr.Waiter()
			if jobs.Signal(signal) == jobs.SignalInfo {
				snap, err := waiter.WaitInfo(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			}
			if err := waiter.WaitSignal(cmd.Context(), jobID, jobs.Signal(signal)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", jobID, signal)
			return err
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&signal, "signal", string(jobs.SignalInfo), "started, init_finished, final_stage_started or info")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute はコマンドを実行し、終了時に接続を閉じます。
func Execute(ctx context.Context, args ...string) error {
	a := &app{}
	defer a.close()

	cmd := a.rootCommand()
	if args != nil {
		cmd.SetArgs(args)
	}
	return cmd.ExecuteContext(ctx)
}

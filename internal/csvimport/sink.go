package csvimport

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yourusername/csv-importer/internal/config"
)

// Sink は検証済みの行を取り込み先へ書き込みます。
type Sink interface {
	Begin(ctx context.Context, table string, columns []string) (Batch, error)
}

// Batch は一回の実行で書き込む行をまとめます。Commit するまで取り込み先のテーブルからは見えません。
type Batch interface {
	Insert(ctx context.Context, values []string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// OpenDB は設定のドライバーで取り込み先DBに接続します。
func OpenDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.DBDriver, err)
	}
	if cfg.DBDriver == "sqlite3" {
		// SQLite は書き込みが直列なので接続を一本にする
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLSink は database/sql を使う Sink です。
type SQLSink struct {
	db     *sql.DB
	driver string
}

// NewSQLSink は SQLSink を作成します。driver はプレースホルダーと識別子の書式を決めます。
func NewSQLSink(db *sql.DB, driver string) *SQLSink {
	return &SQLSink{db: db, driver: driver}
}

// stagePrefix は実行ごとの一時テーブル名の接頭辞です。
const stagePrefix = "csvimport_stage_"

// flushRows は一時テーブルへ一度に書き込む行数です。
const flushRows = 500

// Begin は取り込み先と実行ごとの一時テーブルを作成します。
// 行は一時テーブルに短いトランザクションで書き込み、Commit で取り込み先へまとめて移します。
// 確定を待つ間も接続やロックを保持しません。
func (s *SQLSink) Begin(ctx context.Context, table string, columns []string) (Batch, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("no columns for table %s", table)
	}

	quoted := make([]string, len(columns))
	defs := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = s.quote(col)
		defs[i] = quoted[i] + " TEXT"
		marks[i] = s.placeholder(i + 1)
	}
	stage := stagePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	// MySQL では DDL が暗黙にコミットされるので、トランザクションの外で作成する
	for _, name := range []string{table, stage} {
		create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.quote(name), strings.Join(defs, ", "))
		if _, err := s.db.ExecContext(ctx, create); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}

	cols := strings.Join(quoted, ", ")
	return &sqlBatch{
		db:    s.db,
		stage: s.quote(stage),
		insert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.quote(stage), cols, strings.Join(marks, ", ")),
		move: fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			s.quote(table), cols, cols, s.quote(stage)),
	}, nil
}

func (s *SQLSink) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// quote は検証済みの識別子を囲みます。
func (s *SQLSink) quote(ident string) string {
	if s.driver == "mysql" {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

type sqlBatch struct {
	db      *sql.DB
	stage   string
	insert  string
	move    string
	pending [][]any
}

func (b *sqlBatch) Insert(ctx context.Context, values []string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	b.pending = append(b.pending, args)
	if len(b.pending) < flushRows {
		return nil
	}
	return b.flush(ctx)
}

// flush は溜めた行を一時テーブルに書き込みます。
func (b *sqlBatch) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, b.insert)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, args := range b.pending {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.pending = b.pending[:0]
	return nil
}

func (b *sqlBatch) Commit(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, b.move)
		return err
	})
	if err != nil {
		return err
	}
	return b.drop(ctx)
}

func (b *sqlBatch) Rollback(ctx context.Context) error {
	b.pending = nil
	return b.drop(ctx)
}

func (b *sqlBatch) drop(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+b.stage); err != nil {
		return fmt.Errorf("failed to drop staging table: %w", err)
	}
	return nil
}

func (b *sqlBatch) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

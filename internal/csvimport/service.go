// Package csvimport はアップロードされたCSVを検証し、取り込み先DBへ登録します。
package csvimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/yourusername/csv-importer/internal/config"
	"github.com/yourusername/csv-importer/internal/jobs"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Summary はインポート結果です。Finished の Snapshot に添付されます。
type Summary struct {
	Table    string   `json:"table"`
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Columns  []string `json:"columns"`
}

// Service はCSVの受け入れと取り込みを提供します。
type Service struct {
	baseDir       string
	maxFileSize   int64
	progressEvery int
	sink          Sink
	logger        *zap.Logger
	now           func() time.Time
}

var _ jobs.Pipeline = (*Service)(nil)

// NewService は Service を初期化します。
func NewService(cfg *config.Config, sink Sink, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if sink == nil {
		return nil, errors.New("sink is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}
	every := cfg.ProgressEvery
	if every <= 0 {
		every = 100
	}
	return &Service{
		baseDir:       cfg.WorkspaceDir,
		maxFileSize:   cfg.MaxFileSize,
		progressEvery: every,
		sink:          sink,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// PrepareJob はアップロードされたCSVをジョブのワークスペースに保存します。
// ジョブが実行中でないことは呼び出し側が確認します。
func (s *Service) PrepareJob(ctx context.Context, jobID, table string, file *multipart.FileHeader) (*Manifest, error) {
	if file == nil {
		return nil, newError(codeInvalidInput, "CSVファイルを選択してください。", nil)
	}
	if s.maxFileSize > 0 && file.Size > s.maxFileSize {
		return nil, newError(codeLimitExceeded, fmt.Sprintf("ファイルサイズが上限(%dバイト)を超えています。", s.maxFileSize), nil)
	}
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()
	return s.prepare(ctx, jobID, table, file.Filename, src)
}

// PrepareFromPath はローカルのCSVファイルをジョブのワークスペースに保存します。
func (s *Service) PrepareFromPath(ctx context.Context, jobID, table, path string) (*Manifest, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, newError(codeInvalidInput, "CSVファイルを開けません。", err)
	}
	defer src.Close()
	return s.prepare(ctx, jobID, table, filepath.Base(path), src)
}

func (s *Service) prepare(ctx context.Context, jobID, table, originalName string, src io.Reader) (*Manifest, error) {
	if err := jobs.ValidateJobID(jobID); err != nil {
		return nil, newError(codeInvalidInput, "ジョブIDの形式が正しくありません。", err)
	}
	if !identifierPattern.MatchString(table) {
		return nil, newError(codeInvalidInput, "テーブル名には英数字とアンダースコアのみ使用できます。", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ws := s.workspaceFor(jobID)
	if err := os.RemoveAll(ws.inDir); err != nil {
		return nil, fmt.Errorf("failed to clear workspace: %w", err)
	}
	if err := os.MkdirAll(ws.inDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	size, err := s.copyLimited(ws.inputPath(), src)
	if err != nil {
		_ = os.RemoveAll(ws.dir)
		return nil, err
	}
	if err := checkCSVType(ws.inputPath()); err != nil {
		_ = os.RemoveAll(ws.dir)
		return nil, err
	}

	manifest := &Manifest{
		JobID:        jobID,
		Table:        table,
		File:         inputFilename,
		OriginalName: originalName,
		Size:         size,
		CreatedAt:    s.now().UTC(),
	}
	if err := writeManifest(ws, manifest); err != nil {
		_ = os.RemoveAll(ws.dir)
		return nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}
	s.logger.Info("csv prepared",
		zap.String("job", jobID),
		zap.String("table", table),
		zap.Int64("size", size))
	return manifest, nil
}

func (s *Service) copyLimited(dst string, src io.Reader) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("failed to create input file: %w", err)
	}
	defer out.Close()

	reader := src
	if s.maxFileSize > 0 {
		reader = io.LimitReader(src, s.maxFileSize+1)
	}
	n, err := io.Copy(out, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to store input file: %w", err)
	}
	if s.maxFileSize > 0 && n > s.maxFileSize {
		return 0, newError(codeLimitExceeded, fmt.Sprintf("ファイルサイズが上限(%dバイト)を超えています。", s.maxFileSize), nil)
	}
	if n == 0 {
		return 0, newError(codeInvalidInput, "CSVファイルが空です。", nil)
	}
	return n, nil
}

func checkCSVType(path string) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect content type: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/csv") || m.Is("text/plain") {
			return nil
		}
	}
	return newError(codeInvalidInput, fmt.Sprintf("CSVファイルではありません (detected: %s)", mtype.String()), nil)
}

// Import はジョブのCSVを取り込みます。
// 全行の処理後は確定操作を待ち、確定してからコミットします。
func (s *Service) Import(ctx context.Context, jobID string, cp jobs.Checkpoints) (any, error) {
	ws := s.workspaceFor(jobID)
	manifest, err := loadManifest(ws)
	if err != nil {
		return nil, err
	}

	// 初期化: 行数を数えてヘッダーを検証する
	total, err := countRecords(ws.inputPath())
	if err != nil {
		return nil, err
	}

	file, err := os.Open(ws.inputPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	reader := newReader(file)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, newError(codeInvalidCSV, "CSVにヘッダー行がありません。", nil)
		}
		return nil, newError(codeInvalidCSV, "CSVのヘッダーを読み込めません。", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	batch, err := s.sink.Begin(ctx, manifest.Table, header)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := batch.Rollback(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to roll back import", zap.String("job", jobID), zap.Error(err))
			}
		}
	}()

	if err := cp.OnInit(ctx, total); err != nil {
		return nil, err
	}

	// 実行: 列数が合わない行は読み飛ばす
	summary := &Summary{Table: manifest.Table, Columns: header}
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newError(codeInvalidCSV, fmt.Sprintf("%d行目を読み込めません。", processed+2), err)
		}

		if len(record) != len(header) {
			summary.Skipped++
		} else {
			if err := batch.Insert(ctx, record); err != nil {
				return nil, fmt.Errorf("failed to insert row %d: %w", processed+2, err)
			}
			summary.Inserted++
		}
		processed++

		if processed%s.progressEvery == 0 {
			if err := cp.OnProgress(ctx, processed, total-processed); err != nil {
				return nil, err
			}
		}
	}
	if processed%s.progressEvery != 0 {
		if err := cp.OnProgress(ctx, processed, total-processed); err != nil {
			return nil, err
		}
	}

	// 最終段階: 確定を待ってからコミットする
	if err := cp.OnFinalStage(ctx); err != nil {
		return nil, err
	}
	if err := cp.AwaitFinalize(ctx); err != nil {
		return nil, err
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit import: %w", err)
	}
	committed = true

	s.logger.Info("csv imported",
		zap.String("job", jobID),
		zap.String("table", summary.Table),
		zap.Int("inserted", summary.Inserted),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// DiscardJob はジョブのワークスペースを削除します。
func (s *Service) DiscardJob(jobID string) error {
	if err := jobs.ValidateJobID(jobID); err != nil {
		return err
	}
	return os.RemoveAll(s.workspaceFor(jobID).dir)
}

func (s *Service) workspaceFor(jobID string) workspace {
	dir := filepath.Join(s.baseDir, jobID)
	return workspace{
		jobID: jobID,
		dir:   dir,
		inDir: filepath.Join(dir, "in"),
	}
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	return reader
}

// countRecords はヘッダーを除いたレコード数を返します。
func countRecords(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	reader := newReader(file)
	count := -1
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, newError(codeInvalidCSV, "CSVの形式が正しくありません。", err)
		}
		count++
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func validateHeader(header []string) error {
	if len(header) == 0 {
		return newError(codeInvalidCSV, "CSVにヘッダー行がありません。", nil)
	}
	seen := make(map[string]struct{}, len(header))
	for i, name := range header {
		if !identifierPattern.MatchString(name) {
			return newError(codeInvalidCSV, fmt.Sprintf("%d列目の列名 %q は使用できません。", i+1, name), nil)
		}
		if _, ok := seen[name]; ok {
			return newError(codeInvalidCSV, fmt.Sprintf("列名 %q が重複しています。", name), nil)
		}
		seen[name] = struct{}{}
	}
	return nil
}

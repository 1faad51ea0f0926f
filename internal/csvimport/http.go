package csvimport

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/csv-importer/internal/jobs"
)

// Preparer はアップロードされたCSVをジョブに登録するサービスが実装します。
type Preparer interface {
	PrepareJob(ctx context.Context, jobID, table string, file *multipart.FileHeader) (*Manifest, error)
}

// Locker はジョブのロックを保持したまま処理を実行します。
// ロックが取れない場合は jobs.ErrJobBusy を返します。
type Locker interface {
	Exclusive(ctx context.Context, jobID string, fn func(context.Context) error) error
}

// UploadHandler は PUT /api/imports/:id/file のハンドラーを返します。
// 書き込みの間はジョブのロックを保持するので、その間に実行は始まりません。
func UploadHandler(svc Preparer, locks Locker) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    codeInvalidInput,
				"message": "multipart/form-data でCSVファイルを送信してください。",
			})
			return
		}

		var manifest *Manifest
		err = locks.Exclusive(c.Request.Context(), jobID, func(ctx context.Context) error {
			var err error
			manifest, err = svc.PrepareJob(ctx, jobID, c.PostForm("table"), file)
			return err
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, manifest)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case codeLimitExceeded:
			status = http.StatusRequestEntityTooLarge
		case codeJobNotFound:
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrJobBusy):
		c.JSON(http.StatusConflict, gin.H{
			"code":    codeJobRunning,
			"message": "ジョブの実行中はCSVを差し替えられません。",
		})
	case errors.Is(err, jobs.ErrInvalidJobID):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    codeInvalidInput,
			"message": "ジョブIDの形式が正しくありません。",
		})
	case errors.Is(err, jobs.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "STORE_UNAVAILABLE",
			"message": "共有ストアに接続できません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

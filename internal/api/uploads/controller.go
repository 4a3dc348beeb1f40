package uploads

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hbomb79/Harmony/internal/api/apierr"
	"github.com/hbomb79/Harmony/internal/api/util"
	"github.com/hbomb79/Harmony/internal/ledger"
	"github.com/labstack/echo/v4"
)

type (
	// Dto is the presentation of a single UploadRecord. The raw
	// size/duration are included alongside their rendered labels.
	Dto struct {
		ID              int64     `json:"id"`
		UserID          string    `json:"user_id"`
		Source          string    `json:"source"`
		Title           string    `json:"title"`
		SizeBytes       *int64    `json:"size_bytes"`
		DurationSeconds *float64  `json:"duration_seconds"`
		Size            string    `json:"size"`
		Duration        string    `json:"duration"`
		CreatedAt       time.Time `json:"created_at"`
	}

	Store interface {
		History(limit int) ([]*ledger.UploadRecord, error)
	}

	Controller struct {
		store Store
	}
)

func New(store Store) *Controller {
	return &Controller{store: store}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
}

// list returns the most recent uploads, newest first. The optional
// 'limit' query param is clamped by the ledger.
func (controller *Controller) list(ec echo.Context) error {
	limit := 0
	if raw := ec.QueryParam("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil {
			return apierr.New(http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
		}

		limit = l
	}

	records, err := controller.store.History(limit)
	if err != nil {
		return apierr.Internal(err)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(records, NewDto))
}

func NewDto(record *ledger.UploadRecord) Dto {
	return Dto{
		ID:              record.ID,
		UserID:          string(record.UserID),
		Source:          record.Source,
		Title:           record.Title,
		SizeBytes:       record.SizeBytes,
		DurationSeconds: record.DurationSeconds,
		Size:            record.SizeLabel(),
		Duration:        record.DurationLabel(),
		CreatedAt:       record.CreatedAt,
	}
}

package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-sniper/internal/model"
	"github.com/iliyamo/showtime-sniper/internal/repository"
)

// JobHandler exposes booking jobs over the control API: creating a job,
// listing and inspecting jobs, attaching gift cards and cancelling. All
// methods assume JWT authentication already ran; they return 401 when the
// user id cannot be extracted from the context.
type JobHandler struct {
	Jobs  *repository.JobRepo
	Cards *repository.GiftCardRepo
}

// NewJobHandler constructs a JobHandler with the provided repositories.
func NewJobHandler(jobs *repository.JobRepo, cards *repository.GiftCardRepo) *JobHandler {
	if jobs == nil || cards == nil {
		panic("nil repository passed to NewJobHandler")
	}
	return &JobHandler{Jobs: jobs, Cards: cards}
}

// Create handles POST /v1/jobs. The job starts in PENDING and is picked up
// by the scheduler on its next scan.
func (h *JobHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		MovieTitle   string   `json:"movie_title"`
		City         string   `json:"city"`
		Theatres     []string `json:"theatres"`
		Times        []string `json:"times"`
		SeatCount    int      `json:"seat_count"`
		AvoidRows    int      `json:"avoid_rows"`
		PreferCenter bool     `json:"prefer_center"`
		NeedAdjacent bool     `json:"need_adjacent"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	body.MovieTitle = strings.TrimSpace(body.MovieTitle)
	body.City = strings.TrimSpace(body.City)
	if body.MovieTitle == "" || body.City == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "movie_title and city are required"})
	}
	if len(body.Theatres) == 0 || len(body.Times) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "at least one theatre and one time are required"})
	}
	if body.SeatCount < 1 || body.SeatCount > 10 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat_count must be between 1 and 10"})
	}
	if body.AvoidRows < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "avoid_rows must not be negative"})
	}
	job := &model.BookingJob{
		UserID:     userID,
		MovieTitle: body.MovieTitle,
		City:       body.City,
		Theatres:   body.Theatres,
		Times:      body.Times,
		Pref: model.SeatPreference{
			SeatCount:    body.SeatCount,
			AvoidRows:    body.AvoidRows,
			PreferCenter: body.PreferCenter,
			NeedAdjacent: body.NeedAdjacent,
		},
	}
	if err := h.Jobs.Create(c.Request().Context(), job); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusCreated, job)
}

// List handles GET /v1/jobs and returns the caller's jobs, newest first.
func (h *JobHandler) List(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	jobs, err := h.Jobs.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if jobs == nil {
		jobs = []model.BookingJob{}
	}
	return c.JSON(http.StatusOK, jobs)
}

// Get handles GET /v1/jobs/:id.
func (h *JobHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid job id"})
	}
	job, err := h.Jobs.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if job.UserID != userID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	return c.JSON(http.StatusOK, job)
}

// Cancel handles POST /v1/jobs/:id/cancel. The next scheduled arm is
// suppressed and any in-flight attempt stops before its point of no return.
func (h *JobHandler) Cancel(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid job id"})
	}
	switch err := h.Jobs.Cancel(c.Request().Context(), id, userID); {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, repository.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "job already finished"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
}

// AddGiftCard handles POST /v1/jobs/:id/giftcards. Cards are tried at the
// payment step in the order they were attached.
func (h *JobHandler) AddGiftCard(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid job id"})
	}
	job, err := h.Jobs.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if job.UserID != userID {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	var body struct {
		CardNumber string `json:"card_number"`
		PIN        string `json:"pin"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	body.CardNumber = strings.TrimSpace(body.CardNumber)
	if body.CardNumber == "" || body.PIN == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "card_number and pin are required"})
	}
	card := &model.GiftCard{UserID: userID, JobID: id, CardNumber: body.CardNumber}
	if err := h.Cards.Add(c.Request().Context(), card, body.PIN); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to store gift card"})
	}
	return c.JSON(http.StatusCreated, card)
}

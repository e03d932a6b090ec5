// Package httpserver exposes the dispatch service over HTTP. Handlers
// validate request shape and translate to core calls; delivery outcomes
// are asynchronous and tracked via the returned transaction id.
package httpserver

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/notifio/notifio/internal/notification"
)

// Deps are the collaborators the HTTP layer needs, passed as values.
type Deps struct {
	Dispatcher  *notification.Dispatcher
	Preferences notification.PreferenceStore
	Store       *notification.PostgresStore
	Queue       notification.Queue
}

// New builds the fiber application with all routes mounted.
func New(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	s := &server{deps}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": "notification dispatch service"})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/notifications/send", s.send)
	app.Post("/notifications/send-bulk", s.sendBulk)

	app.Get("/users/:userId/preferences", s.getPreferences)
	app.Put("/users/:userId/preferences", s.updatePreferences)

	admin := app.Group("/admin")
	admin.Get("/dashboard", s.dashboard)
	admin.Get("/transactions", s.searchTransactions)
	admin.Get("/transactions/:transactionId", s.getTransaction)
	admin.Get("/failed", s.failedTransactions)
	admin.Get("/analytics/errors", s.errorAnalytics)
	admin.Get("/analytics/channels", s.channelAnalytics)
	admin.Post("/dlq/replay", s.replayDeadLetter)

	return app
}

type server struct {
	deps Deps
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	return c.Status(code).JSON(fiber.Map{"success": false, "message": err.Error()})
}

// coreError maps pipeline errors onto HTTP statuses without leaking
// internals.
func coreError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, notification.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	case errors.Is(err, notification.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "not found",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "internal server error",
		})
	}
}

func (s *server) send(c *fiber.Ctx) error {
	var req notification.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid request body",
		})
	}

	result, err := s.deps.Dispatcher.Submit(c.Context(), req)
	if err != nil {
		return coreError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":       true,
		"transactionId": result.TransactionID,
		"message":       "notification queued for delivery",
		"channel":       result.Channel,
		"priority":      result.Priority,
	})
}

func (s *server) sendBulk(c *fiber.Ctx) error {
	var body struct {
		Notifications []notification.SubmitRequest `json:"notifications"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid request body",
		})
	}
	if len(body.Notifications) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "notifications must not be empty",
		})
	}

	result := s.deps.Dispatcher.BulkSubmit(c.Context(), body.Notifications)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"total":   result.Total,
		"queued":  result.Queued,
		"failed":  result.Failed,
		"results": result.Results,
	})
}

func (s *server) getPreferences(c *fiber.Ctx) error {
	prefs, err := s.deps.Preferences.Get(c.Context(), c.Params("userId"))
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(prefs)
}

func (s *server) updatePreferences(c *fiber.Ctx) error {
	var update notification.PreferencesUpdate
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid request body",
		})
	}

	prefs, err := s.deps.Preferences.Update(c.Context(), c.Params("userId"), update)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(prefs)
}

func (s *server) dashboard(c *fiber.Ctx) error {
	ctx := c.Context()

	statistics, err := s.deps.Store.StatusCounts(ctx, c.Query("userId"))
	if err != nil {
		return coreError(c, err)
	}

	queueStats := make(map[string]*notification.QueueStats, 3)
	for _, q := range []notification.QueueName{
		notification.QueueRegular, notification.QueuePriority, notification.QueueDeadLetter,
	} {
		stats, err := s.deps.Queue.Stats(ctx, q)
		if err != nil {
			return coreError(c, err)
		}
		queueStats[string(q)] = stats
	}

	return c.JSON(fiber.Map{
		"statistics": statistics,
		"queueStats": queueStats,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *server) searchTransactions(c *fiber.Ctx) error {
	filter := notification.TransactionFilter{
		UserID:        c.Query("userId"),
		Status:        notification.Status(c.Query("status")),
		Channel:       notification.Channel(c.Query("channel")),
		FailureReason: c.Query("failureReason"),
		Limit:         c.QueryInt("limit", 100),
		Offset:        c.QueryInt("offset", 0),
	}

	if raw := c.Query("transactionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "invalid transactionId",
			})
		}
		filter.TransactionID = &id
	}

	var err error
	if filter.StartDate, filter.EndDate, err = dateRange(c); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	txs, err := s.deps.Store.SearchTransactions(c.Context(), filter)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(fiber.Map{
		"total":        len(txs),
		"transactions": txs,
	})
}

func (s *server) getTransaction(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("transactionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid transactionId",
		})
	}

	ctx := c.Context()
	tx, err := s.deps.Store.GetTransaction(ctx, id)
	if err != nil {
		return coreError(c, err)
	}
	logs, err := s.deps.Store.ErrorLogs(ctx, id)
	if err != nil {
		return coreError(c, err)
	}

	return c.JSON(fiber.Map{
		"transaction": tx,
		"errorLogs":   logs,
	})
}

func (s *server) failedTransactions(c *fiber.Ctx) error {
	filter := notification.ErrorLogFilter{
		ErrorType: notification.ErrorKind(c.Query("errorType")),
		Limit:     c.QueryInt("limit", 100),
		Offset:    c.QueryInt("offset", 0),
	}
	if raw := c.Query("retryable"); raw != "" {
		retryable := raw == "true"
		filter.Retryable = &retryable
	}

	var err error
	if filter.StartDate, filter.EndDate, err = dateRange(c); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	failed, err := s.deps.Store.FailedTransactions(c.Context(), filter)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(fiber.Map{
		"total":  len(failed),
		"failed": failed,
	})
}

func (s *server) errorAnalytics(c *fiber.Ctx) error {
	start, end, err := dateRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	analytics, err := s.deps.Store.ErrorAnalytics(c.Context(), start, end)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(analytics)
}

func (s *server) channelAnalytics(c *fiber.Ctx) error {
	start, end, err := dateRange(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	analytics, err := s.deps.Store.ChannelAnalytics(c.Context(), start, end)
	if err != nil {
		return coreError(c, err)
	}
	return c.JSON(fiber.Map{"channels": analytics})
}

func (s *server) replayDeadLetter(c *fiber.Ctx) error {
	var body struct {
		TransactionIDs []uuid.UUID `json:"transactionIds"`
		ErrorType      string      `json:"errorType"`
		Limit          int         `json:"limit"`
	}
	if err := c.BodyParser(&body); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid request body",
		})
	}

	errorType := notification.ErrorKind(body.ErrorType)
	if body.ErrorType != "" && !errorType.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "unknown errorType",
		})
	}

	ctx := c.Context()
	var txs []*notification.Transaction
	if len(body.TransactionIDs) > 0 {
		for _, id := range body.TransactionIDs {
			tx, err := s.deps.Store.GetTransaction(ctx, id)
			if err != nil {
				if errors.Is(err, notification.ErrNotFound) {
					continue
				}
				return coreError(c, err)
			}
			txs = append(txs, tx)
		}
	} else {
		var err error
		txs, err = s.deps.Store.DeadLetterTransactions(ctx, errorType, body.Limit)
		if err != nil {
			return coreError(c, err)
		}
	}

	replayed := s.deps.Dispatcher.ReplayDeadLetter(ctx, txs)
	return c.JSON(fiber.Map{
		"success":  true,
		"replayed": replayed,
	})
}

// dateRange parses optional startDate/endDate query params, accepting
// RFC 3339 or bare dates.
func dateRange(c *fiber.Ctx) (*time.Time, *time.Time, error) {
	parse := func(raw string) (*time.Time, error) {
		if raw == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return &t, nil
			}
		}
		return nil, errors.New("dates must be RFC 3339 or YYYY-MM-DD")
	}

	start, err := parse(c.Query("startDate"))
	if err != nil {
		return nil, nil, err
	}
	end, err := parse(c.Query("endDate"))
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

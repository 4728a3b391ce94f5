// Package api is the todo HTTP API: session endpoints that issue JWT cookies
// and per-user task routes backed by a Storage.
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

const (
	todoBodyMaxSize    = 64 << 10
	reorderBodyMaxSize = 1 << 20
)

// Options tunes Register.
type Options struct {
	// Deduper enables Idempotency-Key handling on create. Optional.
	Deduper Deduper
	// SecureCookies marks session and CSRF cookies Secure.
	SecureCookies bool
	// Reminders schedules due-date reminders in the background. When nil
	// they are scheduled inside the request.
	Reminders *ReminderPool
}

type errorBody struct {
	Detail string `json:"detail"`
}

type resultBody struct {
	Result string `json:"result"`
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, users UserStore, auth *Auth, logger *log.Logger, opts Options) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cookies := sessionCookies{secure: opts.SecureCookies}

	authGroup := e.Group("/api/auth")
	authGroup.GET("/csrf/", getCSRF(cookies))
	authGroup.POST("/login/", login(users, auth, cookies, logger), CSRFMiddleware())
	authGroup.POST("/refresh/", refresh(auth, cookies), CSRFMiddleware())
	authGroup.POST("/logout/", logout(cookies))

	todos := e.Group("/api/todo", Observe(logger), RequireUser(auth), GzipRequestMiddleware())
	todos.GET("/", listTodos(store))
	todos.POST("/", createTodo(store, opts.Deduper, opts.Reminders, logger))
	todos.POST("/reorder/", reorderTodos(store))
	todos.GET("/:id/", getTodo(store))
	todos.PATCH("/:id/", updateTodo(store, opts.Reminders, logger))
	todos.PUT("/:id/", updateTodo(store, opts.Reminders, logger))
	todos.DELETE("/:id/", archiveTodo(store))
	todos.DELETE("/:id/delete/", deleteTodo(store))

	e.GET("/healthz", healthz(store))
}

func healthz(_ Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func detail(c echo.Context, status int, msg string) error {
	return c.JSON(status, errorBody{Detail: msg})
}

func decodeStrict(body io.Reader, limit int64, out any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, limit))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// storeError writes the response for a failed storage call.
func storeError(c echo.Context, err error) error {
	metricsFrom(c).SetErrorStage("storage")
	if errors.Is(err, storage.ErrNotFound) {
		return detail(c, http.StatusNotFound, "todo item not found")
	}
	if domain.IsValidation(err) {
		return invalid(c, err)
	}
	c.Logger().Error(err)
	return detail(c, http.StatusInternalServerError, err.Error())
}

func invalid(c echo.Context, err error) error {
	metricsFrom(c).SetErrorStage("validation")
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return detail(c, http.StatusBadRequest, ve.Field+": "+ve.Reason)
	}
	return detail(c, http.StatusBadRequest, "invalid body")
}

func listTodos(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		start := time.Now()
		tasks, err := store.ListTasks(c.Request().Context(), userID(c))
		m.ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, err)
		}
		m.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, tasks)
	}
}

func getTodo(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		task, err := store.GetTask(c.Request().Context(), userID(c), c.Param("id"))
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func createTodo(store Storage, dedup Deduper, pool *ReminderPool, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)

		var in domain.TaskInput
		if err := decodeStrict(c.Request().Body, todoBodyMaxSize, &in); err != nil {
			return invalid(c, err)
		}
		if err := in.Validate(); err != nil {
			return invalid(c, err)
		}
		if in.Column == "" {
			in.Column = domain.ColumnUnassigned
		}

		key := c.Request().Header.Get(IdempotencyHeader)
		if dedup != nil && key != "" {
			added, err := dedup.Add(ctx, uid, key)
			if err != nil {
				logger.WithError(err).Warn("idempotency check failed")
			} else if !added {
				metricsFrom(c).SetErrorStage("duplicate")
				return detail(c, http.StatusConflict, "duplicate request")
			}
		}

		start := time.Now()
		created, err := store.CreateTask(ctx, uid, domain.Task{
			Title:       in.Title,
			Description: in.Description,
			Column:      in.Column,
			ColumnOrder: in.ColumnOrder,
			DueDate:     in.DueDate,
			IsCompleted: in.IsCompleted,
		})
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			if dedup != nil && key != "" {
				if rerr := dedup.Remove(ctx, uid, key); rerr != nil {
					logger.WithError(rerr).Warn("failed to release idempotency key")
				}
			}
			return storeError(c, err)
		}
		scheduleDue(c, store, pool, logger, uid, created)
		return c.JSON(http.StatusCreated, created)
	}
}

func updateTodo(store Storage, pool *ReminderPool, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)

		var patch domain.TaskPatch
		if err := decodeStrict(c.Request().Body, todoBodyMaxSize, &patch); err != nil {
			return invalid(c, err)
		}
		if err := patch.Validate(); err != nil {
			return invalid(c, err)
		}

		start := time.Now()
		current, err := store.GetTask(ctx, uid, c.Param("id"))
		if err != nil {
			return storeError(c, err)
		}
		updated := patch.Apply(current)
		if patch.Empty() {
			return c.JSON(http.StatusOK, current)
		}
		err = store.UpdateTask(ctx, uid, updated)
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, err)
		}
		if patch.DueChanged() || patch.IsCompleted != nil {
			scheduleDue(c, store, pool, logger, uid, updated)
		}
		return c.JSON(http.StatusOK, updated)
	}
}

func reorderTodos(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		var items []domain.ReorderItem
		if err := decodeStrict(c.Request().Body, reorderBodyMaxSize, &items); err != nil {
			return invalid(c, err)
		}
		if err := domain.CheckReorderSize(items); err != nil {
			return invalid(c, err)
		}
		for _, it := range items {
			if it.ID == "" {
				return invalid(c, &domain.ValidationError{Field: "id", Reason: "id is required", Err: domain.ErrTaskNotFound})
			}
			if !it.Column.Valid() {
				return invalid(c, &domain.ValidationError{Field: "column", Reason: "unknown column " + string(it.Column), Err: domain.ErrInvalidColumn})
			}
			if it.ColumnOrder < 0 {
				return invalid(c, &domain.ValidationError{Field: "column_order", Reason: "must be non-negative", Err: domain.ErrInvalidIndex})
			}
		}
		start := time.Now()
		err := store.ReorderTasks(c.Request().Context(), userID(c), items)
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(http.StatusOK, resultBody{Result: "Todo items reordered successfully"})
	}
}

// archiveTodo moves a task to ARCHIVED keeping its column_order, so an undo
// can put it back where it was.
func archiveTodo(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		uid := userID(c)
		start := time.Now()
		task, err := store.GetTask(ctx, uid, c.Param("id"))
		if err != nil {
			return storeError(c, err)
		}
		if task.Column != domain.ColumnArchived {
			task.Column = domain.ColumnArchived
			if err := store.UpdateTask(ctx, uid, task); err != nil {
				return storeError(c, err)
			}
		}
		metricsFrom(c).ObserveStore(time.Since(start))
		return c.JSON(http.StatusOK, resultBody{Result: "Todo item archived successfully"})
	}
}

func deleteTodo(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := store.DeleteTask(c.Request().Context(), userID(c), c.Param("id"))
		metricsFrom(c).ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, err)
		}
		return c.JSON(http.StatusOK, resultBody{Result: "Todo item deleted successfully"})
	}
}

// scheduleDue queues a due-date reminder. The task is already saved, so a
// failure is logged rather than returned.
func scheduleDue(c echo.Context, store Storage, pool *ReminderPool, logger *log.Logger, uid string, t domain.Task) {
	if t.DueDate == nil {
		return
	}
	if pool != nil && pool.submit(reminderJob{userID: uid, task: t}) {
		return
	}
	if err := store.ScheduleDue(c.Request().Context(), uid, t); err != nil {
		logger.WithError(err).WithFields(log.Fields{"task_id": t.ID, "user_id": uid}).Warn("failed to schedule due notification")
	}
}

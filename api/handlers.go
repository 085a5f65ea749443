package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tarefas/board"
	"tarefas/domain"
)

const (
	idempotencyHeader = "Idempotency-Key"
	healthTimeout     = 2 * time.Second
)

// Deps are the collaborators the HTTP surface is built from. Deduper,
// SignIn and Health are optional.
type Deps struct {
	Sessions *Sessions
	Tasks    Lister
	Feed     board.Feed
	Gateway  board.Submitter
	Deduper  Deduper
	SignIn   *GoogleSignIn
	Health   HealthCheck
	Logger   *log.Logger
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if e.Renderer == nil {
		e.Renderer = NewRenderer()
	}
	e.StaticFS("/static", echo.MustSubFS(staticFS, "static"))

	e.GET("/", landing(d))
	e.GET("/dashboard", dashboard(d), RequireSession(d.Sessions))
	e.GET("/healthz", healthz(d.Health))

	api := e.Group("/api")
	api.GET("/session", currentSession(d.Sessions))

	tasks := api.Group("/tasks", requireAPISession(d.Sessions))
	tasks.GET("", getTasks(d.Tasks, d.Logger))
	tasks.POST("", postTask(d.Gateway, d.Deduper, d.Logger), GzipRequestMiddleware())
	tasks.GET("/stream", streamTasks(d.Feed, d.Logger))
	tasks.GET("/live", liveTasks(d.Feed, d.Gateway, d.Logger))

	auth := api.Group("/auth")
	auth.POST("/signout", signOut(d.Sessions))
	if d.SignIn != nil {
		auth.GET("/signin", d.SignIn.signIn)
		auth.GET("/callback/google", d.SignIn.callback)
	}
}

type pageData struct {
	Email         string
	SignInEnabled bool
	Tasks         []domain.TaskRecord
}

type sessionResponse struct {
	User sessionUser `json:"user"`
}

type sessionUser struct {
	Email string `json:"email"`
}

type tasksResponse struct {
	Tasks []domain.TaskRecord `json:"tasks"`
}

type submitRequest struct {
	Tarefa string `json:"tarefa"`
	Public bool   `json:"public"`
}

const submitFailedMessage = "failed to save task"

type submitResponse struct {
	Outcome string       `json:"outcome"`
	Draft   domain.Draft `json:"draft"`
	Error   string       `json:"error,omitempty"`
}

func landing(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		data := pageData{SignInEnabled: d.SignIn != nil}
		if identity, err := d.Sessions.Resolve(c.Request()); err == nil {
			data.Email = identity.Email
		}
		return c.Render(http.StatusOK, "index.html", data)
	}
}

func dashboard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := identityFrom(c)
		tasks, err := d.Tasks.ListTasks(c.Request().Context(), identity.Email)
		if err != nil {
			// the live view fills the list once connected
			d.Logger.WithError(err).WithField("user", identity.Email).Warn("dashboard: initial task list unavailable")
			tasks = nil
		}
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		return c.Render(http.StatusOK, "dashboard.html", pageData{
			Email:         identity.Email,
			SignInEnabled: d.SignIn != nil,
			Tasks:         tasks,
		})
	}
}

func healthz(check HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		if check == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := check(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusOK)
	}
}

func currentSession(sessions SessionResolver) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := sessions.Resolve(c.Request())
		if errors.Is(err, ErrNoSession) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		if err != nil {
			return err
		}
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		return c.JSON(http.StatusOK, sessionResponse{User: sessionUser{Email: identity.Email}})
	}
}

func getTasks(store Lister, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks", "tasks.list")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		owner := identityFrom(c).Email
		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, owner)
		metrics.ObserveDuration("fetch", time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			logger.WithError(fetchErr).WithField("user", owner).Error("list tasks failed")
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load tasks"})
			return err
		}
		if tasks == nil {
			tasks = []domain.TaskRecord{}
		}
		metrics.SetInt("tasks_returned", len(tasks))
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
		return err
	}
}

func postTask(gateway board.Submitter, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks", "tasks.submit")
		var submitErr error
		defer func() {
			logErr := err
			if logErr == nil {
				logErr = submitErr
			}
			metrics.Log(c.Response().Status, logErr)
		}()
		owner := identityFrom(c).Email

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
		dec.DisallowUnknownFields()
		var req submitRequest
		if decErr := dec.Decode(&req); decErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		draft := domain.Draft{Tarefa: req.Tarefa, Public: req.Public}

		key := c.Request().Header.Get(idempotencyHeader)
		if key != "" && deduper != nil && !draft.Empty() {
			added, dedupErr := deduper.Add(ctx, owner, key)
			switch {
			case dedupErr != nil:
				logger.WithError(dedupErr).WithField("user", owner).Warn("idempotency check unavailable")
				key = ""
			case !added:
				metrics.SetString("outcome", "duplicate")
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate submission"})
			}
		} else {
			key = ""
		}

		var out board.Outcome
		out, submitErr = gateway.Submit(ctx, owner, draft)
		metrics.SetString("outcome", out.String())
		switch out {
		case board.OutcomeAccepted:
			draft.Reset()
			return c.JSON(http.StatusAccepted, submitResponse{Outcome: out.String(), Draft: draft})
		case board.OutcomeIgnored:
			return c.JSON(http.StatusOK, submitResponse{Outcome: out.String(), Draft: draft})
		}

		if key != "" {
			if rmErr := deduper.Remove(ctx, owner, key); rmErr != nil {
				logger.WithError(rmErr).WithField("user", owner).Warn("failed to release idempotency key")
			}
		}
		metrics.SetErrorStage("enqueue")
		// the gateway already logged the cause
		return c.JSON(http.StatusBadGateway, submitResponse{Outcome: out.String(), Draft: draft, Error: submitFailedMessage})
	}
}

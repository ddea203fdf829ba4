package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/johanlelan/entitysource/commands"
	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/outbox"
)

const requestBodyMaxSize = 256 * 1024 // 256 KiB

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, cmds Commands, users Users, query Query, auth Authenticator, ob *outbox.Outbox, logger *log.Logger) {
	e.Use(requestLogger(logger))

	e.POST("/api/user", registerUser(users, auth))
	e.POST("/api/user/:id/activate", activateUser(users, auth))
	e.POST("/api/:kind", createEntity(cmds, auth))
	e.PATCH("/api/:kind/:id", patchEntity(cmds, auth))
	e.DELETE("/api/:kind/:id", removeEntity(cmds, auth))
	e.GET("/api/:kind", listEntities(query))
	e.GET("/api/:kind/:id", getEntity(query))
	e.GET("/api/:kind/:id/replay", replayEntity(cmds))
	e.GET("/api/:kind/:id/events", getEvents(cmds))
	e.GET("/healthz", healthz(ob))
}

func authorFrom(c echo.Context, auth Authenticator) (string, error) {
	return auth.AuthorFromHeader(c.Request().Header.Get("Authorization"))
}

// sanitize strips server-only fields from a state before it leaves the API.
func sanitize(kind string, s domain.State) domain.State {
	if s == nil {
		return s
	}
	if kind == commands.KindUser {
		out := s.Clone()
		delete(out, "passwordHash")
		return out
	}
	return s
}

func createEntity(cmds Commands, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		author, err := authorFrom(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		kind := c.Param("kind")
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, requestBodyMaxSize))
		if err != nil || len(body) == 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		state, err := cmds.Create(c.Request().Context(), kind, author, body)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusCreated, sanitize(kind, state))
	}
}

func patchEntity(cmds Commands, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		author, err := authorFrom(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		kind := c.Param("kind")
		id := c.Param("id")

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, requestBodyMaxSize))
		patches := make([]domain.PatchOp, 0, 4)
		if err := dec.Decode(&patches); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid patch list"})
		}
		if len(patches) == 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "empty patch list"})
		}
		state, err := cmds.Patch(c.Request().Context(), kind, id, author, patches)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, sanitize(kind, state))
	}
}

func removeEntity(cmds Commands, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		author, err := authorFrom(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		kind := c.Param("kind")
		state, err := cmds.Remove(c.Request().Context(), kind, c.Param("id"), author)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, sanitize(kind, state))
	}
}

func registerUser(users Users, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		author, err := authorFrom(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, requestBodyMaxSize))
		dec.DisallowUnknownFields()
		var in commands.RegisterUserInput
		if err := dec.Decode(&in); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		state, err := users.Register(c.Request().Context(), author, in)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusCreated, commands.PublicUserView(state))
	}
}

func activateUser(users Users, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		author, err := authorFrom(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		state, err := users.Activate(c.Request().Context(), c.Param("id"), author)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, commands.PublicUserView(state))
	}
}

func listEntities(query Query) echo.HandlerFunc {
	return func(c echo.Context) error {
		kind := c.Param("kind")
		res, err := query.List(c.Request().Context(), kind, strings.TrimSpace(c.QueryParam("q")))
		if err != nil {
			return respondError(c, err)
		}
		for i, s := range res.Data {
			res.Data[i] = sanitize(kind, s)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func getEntity(query Query) echo.HandlerFunc {
	return func(c echo.Context) error {
		kind := c.Param("kind")
		doc, err := query.GetByID(c.Request().Context(), kind, c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		if doc == nil {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
		}
		if !doc.Active {
			// removed but remembered: gone, not not-found
			return c.JSON(http.StatusGone, sanitize(kind, doc.State))
		}
		return c.JSON(http.StatusOK, sanitize(kind, doc.State))
	}
}

type replayResponse struct {
	State   domain.State `json:"state"`
	Version int64        `json:"version"`
}

// replayEntity answers from the event log instead of the index: slower but
// authoritative when the projection lags.
func replayEntity(cmds Commands) echo.HandlerFunc {
	return func(c echo.Context) error {
		kind := c.Param("kind")
		state, version, err := cmds.Get(c.Request().Context(), kind, c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		if !state.Active() {
			return c.JSON(http.StatusGone, replayResponse{State: sanitize(kind, state), Version: version})
		}
		return c.JSON(http.StatusOK, replayResponse{State: sanitize(kind, state), Version: version})
	}
}

func getEvents(cmds Commands) echo.HandlerFunc {
	return func(c echo.Context) error {
		kind := c.Param("kind")
		events, err := cmds.Events(c.Request().Context(), kind, c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, sanitizeEvents(kind, events))
	}
}

// sanitizeEvents strips server-only fields from event payloads before they
// leave the API. The user created snapshot carries the password hash, which
// must never be served.
func sanitizeEvents(kind string, events []domain.Event) []domain.Event {
	if kind != commands.KindUser {
		return events
	}
	out := make([]domain.Event, len(events))
	for i, ev := range events {
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			if _, ok := payload["passwordHash"]; ok {
				delete(payload, "passwordHash")
				if raw, err := json.Marshal(payload); err == nil {
					ev.Payload = raw
				}
			}
		}
		out[i] = ev
	}
	return out
}

func healthz(ob *outbox.Outbox) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := map[string]any{"status": "ok"}
		if ob != nil {
			resp["outbox"] = ob.Stats()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

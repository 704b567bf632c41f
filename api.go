package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"easycaller/audioroute"
	"easycaller/caller"
	"easycaller/notify"
	"easycaller/push"
	"easycaller/recorder"
)

// API is the HTTP surface of the daemon.
type API struct {
	// ctx bounds calls placed through the API; request contexts end too early.
	ctx     context.Context
	gw      *Gateway
	coord   *caller.Coordinator
	adapter *push.Adapter
	hub     *notify.Hub
	recDir  string
	log     *logrus.Entry
	now     func() time.Time
}

type callRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type recordingRequest struct {
	Name string `json:"name"`
}

type deviceView struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
}

// newApp creates the fiber application serving a.
func newApp(a *API, wsPath string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "easycaller",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		Format: "${status} ${method} ${path} ${latency}\n",
		Output: a.log.WriterLevel(logrus.DebugLevel),
	}))

	app.Get("/health", a.handleHealth)

	api := app.Group("/api")
	api.Post("/push", a.handlePush)
	api.Post("/push/token", a.handlePushToken)
	api.Get("/calls", a.handleListCalls)
	api.Post("/calls", a.handleConnect)
	api.Get("/calls/active", a.handleActiveCall)
	api.Delete("/calls/active", a.handleDisconnect)
	api.Post("/calls/active/hold", a.handleHold)
	api.Post("/calls/active/mute", a.handleMute)
	api.Post("/invites/:sid/:action", a.handleAnswer)
	api.Post("/recording", a.handleStartRecording)
	api.Delete("/recording", a.handleStopRecording)
	api.Get("/audio/devices", a.handleDevices)
	api.Put("/audio/devices/:index", a.handleSelectDevice)

	a.hub.RegisterRoutes(app, wsPath)
	return app
}

func fail(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func callView(call caller.Call) fiber.Map {
	return fiber.Map{
		"sid":   call.SID(),
		"from":  call.From(),
		"to":    call.To(),
		"hold":  call.IsOnHold(),
		"muted": call.IsMuted(),
	}
}

func (a *API) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"phase":   a.coord.Phase().String(),
		"clients": a.hub.ClientCount(),
	})
}

// handlePush accepts a push data payload relayed by the host.
func (a *API) handlePush(c *fiber.Ctx) error {
	var data map[string]string
	if err := c.BodyParser(&data); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if err := a.adapter.HandlePayload(data); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (a *API) handlePushToken(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if req.Token == "" {
		return fail(c, fiber.StatusBadRequest, errors.New("missing token"))
	}
	a.adapter.TokenChanged(req.Token)
	return c.SendStatus(fiber.StatusAccepted)
}

func (a *API) handleListCalls(c *fiber.Ctx) error {
	return c.JSON(a.gw.Calls())
}

func (a *API) handleConnect(c *fiber.Ctx) error {
	var req callRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if req.To == "" {
		return fail(c, fiber.StatusBadRequest, errors.New("missing to"))
	}
	call, err := a.gw.Connect(a.ctx, req.To, req.From)
	switch {
	case errors.Is(err, caller.ErrStopped):
		return fail(c, fiber.StatusServiceUnavailable, err)
	case err != nil:
		return fail(c, fiber.StatusBadGateway, err)
	}
	return c.Status(fiber.StatusCreated).JSON(callView(call))
}

func (a *API) handleActiveCall(c *fiber.Ctx) error {
	call := a.coord.ActiveCall()
	if call == nil {
		return fail(c, fiber.StatusNotFound, caller.ErrNoActiveCall)
	}
	v := callView(call)
	v["phase"] = a.coord.Phase().String()
	return c.JSON(v)
}

func (a *API) handleDisconnect(c *fiber.Ctx) error {
	if err := a.coord.Disconnect(nil); err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) handleHold(c *fiber.Ctx) error {
	hold, err := a.coord.ToggleHold(nil)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	return c.JSON(fiber.Map{"hold": hold})
}

func (a *API) handleMute(c *fiber.Ctx) error {
	muted, err := a.coord.ToggleMute(nil)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err)
	}
	return c.JSON(fiber.Map{"muted": muted})
}

// handleAnswer applies accept or reject to a pending invite.
func (a *API) handleAnswer(c *fiber.Ctx) error {
	sid, action := c.Params("sid"), c.Params("action")
	call, err := a.gw.Answer(a.ctx, action, sid)
	switch {
	case errors.Is(err, notify.ErrUnknownAction):
		return fail(c, fiber.StatusBadRequest, err)
	case errors.Is(err, notify.ErrUnknownInvite):
		return fail(c, fiber.StatusNotFound, err)
	case errors.Is(err, notify.ErrInviteCancelled):
		return fail(c, fiber.StatusGone, err)
	case errors.Is(err, caller.ErrStopped):
		return fail(c, fiber.StatusServiceUnavailable, err)
	case err != nil:
		return fail(c, fiber.StatusBadGateway, err)
	}
	if call == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(callView(call))
}

func (a *API) handleStartRecording(c *fiber.Ctx) error {
	var req recordingRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, fiber.StatusBadRequest, err)
		}
	}
	name := filepath.Base(req.Name)
	if req.Name == "" {
		name = fmt.Sprintf("call-%s.pcm", a.now().Format("20060102-150405"))
	}
	path := filepath.Join(a.recDir, name)

	err := a.coord.StartRecording(path)
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return fail(c, fiber.StatusConflict, err)
	case errors.Is(err, caller.ErrNoRecorder):
		return fail(c, fiber.StatusNotImplemented, err)
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"path": path})
}

func (a *API) handleStopRecording(c *fiber.Ctx) error {
	err := a.coord.StopRecording()
	switch {
	case errors.Is(err, caller.ErrNoRecorder):
		return fail(c, fiber.StatusNotImplemented, err)
	case err != nil:
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) handleDevices(c *fiber.Ctx) error {
	devices := a.coord.ListAudioDevices()
	out := make([]deviceView, len(devices))
	for i, d := range devices {
		out[i] = deviceView{Index: i, Name: d.Name, Kind: d.Kind.String()}
	}
	return c.JSON(fiber.Map{
		"devices":  out,
		"selected": a.coord.ActiveAudioDeviceIndex(),
	})
}

func (a *API) handleSelectDevice(c *fiber.Ctx) error {
	idx, err := c.ParamsInt("index")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	devices := a.coord.ListAudioDevices()
	if idx < 0 || idx >= len(devices) {
		return fail(c, fiber.StatusNotFound, audioroute.ErrUnknownDevice)
	}
	if err := a.coord.SelectAudioDevice(devices[idx]); err != nil {
		return fail(c, fiber.StatusConflict, err)
	}
	return c.JSON(deviceView{Index: idx, Name: devices[idx].Name, Kind: devices[idx].Kind.String()})
}

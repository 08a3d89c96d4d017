package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/bothost/internal/hoster"
	"github.com/jkaninda/bothost/internal/observability"
	"github.com/jkaninda/bothost/internal/session"
)

var errBadSlot = errors.New("slot must be a positive integer")

// UploadResponse is returned by POST /v1/uploads.
type UploadResponse struct {
	UploadID string `json:"upload_id"`
	Slot     int    `json:"slot"`
	Dir      string `json:"dir"`
}

// StatusResponse acknowledges a state change.
type StatusResponse struct {
	Status string `json:"status"`
}

// GenerateRequest is the JSON body for POST /v1/slots/{slot}/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// InstallRequest is the JSON body for POST /v1/slots/{slot}/install. An
// empty package list installs the project's requirements file.
type InstallRequest struct {
	Packages []string `json:"packages,omitempty"`
}

// EnvRequest is the JSON body for PUT /v1/slots/{slot}/env.
type EnvRequest struct {
	Values map[string]string `json:"values"`
}

// EnvResponse lists variable names; values are never returned.
type EnvResponse struct {
	Keys []string `json:"keys"`
}

// EntryRequest is the JSON body for POST /v1/slots/{slot}/entry.
type EntryRequest struct {
	Entry string `json:"entry"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status          string `json:"status"`
	ActiveProcesses int    `json:"active_processes"`
}

func (g *Gateway) handleBeginUpload(c *okapi.Context) error {
	us, err := g.svc.BeginUpload(c.Context(), c.GetString("userID"), session.LocationAPI)
	if err != nil {
		return g.fail(c, err, nil)
	}
	return c.JSON(http.StatusCreated, UploadResponse{UploadID: us.ID.String(), Slot: us.Slot, Dir: us.Dir})
}

func (g *Gateway) handleEndUpload(c *okapi.Context) error {
	g.svc.EndUpload(c.GetString("userID"))
	return c.OK(StatusResponse{Status: "cancelled"})
}

func (g *Gateway) handleDeliverArchive(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	body := c.Request().Body
	defer body.Close()

	d, err := g.svc.DeliverArchive(c.Context(), c.GetString("userID"), slot, body, nil)
	if err != nil {
		return g.fail(c, err, d)
	}
	return c.OK(d)
}

func (g *Gateway) handleGenerate(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	var req GenerateRequest
	if err := g.decode(c, &req); err != nil || req.Prompt == "" {
		return c.AbortBadRequest("prompt is required")
	}

	d, err := g.svc.Generate(c.Context(), c.GetString("userID"), slot, req.Prompt, nil)
	if err != nil {
		return g.fail(c, err, d)
	}
	return c.OK(d)
}

func (g *Gateway) handleRepair(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	res, err := g.svc.Repair(c.Context(), c.GetString("userID"), slot, nil)
	if err != nil {
		var d *hoster.Delivery
		if res != nil {
			d = res.Delivery
		}
		return g.fail(c, err, d)
	}
	return c.OK(res)
}

func (g *Gateway) handleInstall(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	var req InstallRequest
	if err := g.decode(c, &req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	res, err := g.svc.InstallRequirements(c.Context(), c.GetString("userID"), slot, req.Packages)
	if err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(res)
}

func (g *Gateway) handleEnvKeys(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	keys, err := g.svc.EnvKeys(c.GetString("userID"), slot)
	if err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(EnvResponse{Keys: keys})
}

func (g *Gateway) handleSetEnv(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	var req EnvRequest
	if err := g.decode(c, &req); err != nil || len(req.Values) == 0 {
		return c.AbortBadRequest("values are required")
	}

	userID := c.GetString("userID")
	if err := g.svc.SetEnv(c.Context(), userID, slot, req.Values); err != nil {
		return g.fail(c, err, nil)
	}
	keys, err := g.svc.EnvKeys(userID, slot)
	if err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(EnvResponse{Keys: keys})
}

func (g *Gateway) handleSelectEntry(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), false)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	var req EntryRequest
	if err := g.decode(c, &req); err != nil || req.Entry == "" {
		return c.AbortBadRequest("entry is required")
	}
	if err := g.svc.SelectEntry(c.Context(), c.GetString("userID"), slot, req.Entry); err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(req)
}

func (g *Gateway) handleStop(c *okapi.Context) error {
	slot, err := ParseSlot(c.Param("slot"), true)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.svc.Stop(c.Context(), c.GetString("userID"), slot); err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(StatusResponse{Status: "stopped"})
}

func (g *Gateway) handleSlots(c *okapi.Context) error {
	return c.OK(g.svc.Status(c.GetString("userID")))
}

func (g *Gateway) handleDeleteAll(c *okapi.Context) error {
	if err := g.svc.DeleteAll(c.Context(), c.GetString("userID")); err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(StatusResponse{Status: "deleted"})
}

func (g *Gateway) handleRuns(c *okapi.Context) error {
	limit := 20
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return c.AbortBadRequest("limit must be between 1 and 200")
		}
		limit = n
	}
	runs, err := g.svc.Runs(c.Context(), c.GetString("userID"), limit)
	if err != nil {
		return g.fail(c, err, nil)
	}
	return c.OK(runs)
}

// handleLiveness reports liveness and the number of hosted processes.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(HealthResponse{Status: "ok", ActiveProcesses: g.svc.RunningCount()})
}

// handleReadiness checks all registered dependencies. Only a failed
// required check answers 503; advisory failures report degraded with 200.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(HealthResponse{Status: observability.StatusOK, ActiveProcesses: g.svc.RunningCount()})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status == observability.StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// decode reads a size-limited JSON body, rejecting unknown fields. An empty
// body leaves v untouched.
func (g *Gateway) decode(c *okapi.Context, v any) error {
	limit := g.config.MaxRequestSize
	if limit <= 0 {
		limit = defaultMaxRequestSize
	}
	dec := json.NewDecoder(io.LimitReader(c.Request().Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ParseSlot parses a slot path parameter. With allowAll, "all" selects
// every slot of the user.
func ParseSlot(s string, allowAll bool) (int, error) {
	if allowAll && s == "all" {
		return session.AllSlots, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", errBadSlot, s)
	}
	return n, nil
}

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/c3sync/internal/coordinator"
	"github.com/danmuck/c3sync/internal/model"
	"github.com/danmuck/c3sync/internal/panel"
	"github.com/danmuck/c3sync/internal/protocol/records"
	"github.com/danmuck/c3sync/internal/reconcile"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"panels":  len(s.backend.Panels()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", s.requireAuth())
	api.GET("/panels", s.listPanels)
	api.GET("/panels/:panel", s.getPanel)
	api.GET("/panels/:panel/doors", s.listDoors)
	api.POST("/panels/:panel/sync", s.syncPanel)
	api.PUT("/panels/:panel/params", s.setParams)

	api.POST("/doors/lock-all", s.lockAll)
	api.POST("/doors/unlock-all", s.unlockAll)
	api.POST("/doors/:panel/:door/unlock", s.unlockDoor)
	api.POST("/doors/:panel/:door/lock", s.lockDoor)
	api.POST("/doors/:panel/:door/aux", s.auxOutput)

	api.GET("/desired", func(c *gin.Context) { c.JSON(http.StatusOK, s.backend.Desired()) })
	api.POST("/users", s.addUser)
	api.PUT("/users/:id", s.updateUser)
	api.DELETE("/users/:id", s.deleteUser)
	api.PUT("/groups/:id", s.upsertGroup)
	api.DELETE("/groups/:id", s.deleteGroup)
	api.PUT("/schedules/:id", s.upsertSchedule)
	api.DELETE("/schedules/:id", s.deleteSchedule)

	api.GET("/events", s.streamEvents)
}

func (s *Server) listPanels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"panels": s.backend.Panels()})
}

func (s *Server) getPanel(c *gin.Context) {
	ps, err := s.backend.Status(c.Param("panel"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) listDoors(c *gin.Context) {
	doors, err := s.backend.ListDoors(c.Param("panel"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doors": doors})
}

func (s *Server) syncPanel(c *gin.Context) {
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdSync, Panel: c.Param("panel")})
}

func (s *Server) setParams(c *gin.Context) {
	var set records.ParamSet
	if !bindJSON(c, &set) {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdSetParams, Panel: c.Param("panel"), Params: set})
}

type unlockRequest struct {
	Doors    []model.DoorID `json:"doors"`
	Duration int            `json:"duration"`
}

func (s *Server) unlockDoor(c *gin.Context) {
	door, ok := doorParam(c)
	if !ok {
		return
	}
	var req unlockRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdUnlock, Door: door, Duration: req.Duration})
}

func (s *Server) lockDoor(c *gin.Context) {
	door, ok := doorParam(c)
	if !ok {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdLock, Door: door})
}

func (s *Server) auxOutput(c *gin.Context) {
	door, ok := doorParam(c)
	if !ok {
		return
	}
	var req unlockRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdAux, Door: door, Duration: req.Duration})
}

func (s *Server) lockAll(c *gin.Context) {
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdLockAll})
}

func (s *Server) unlockAll(c *gin.Context) {
	var req unlockRequest
	if !bindJSON(c, &req) {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdUnlockAll, Doors: req.Doors, Duration: req.Duration})
}

func (s *Server) addUser(c *gin.Context) {
	var u model.User
	if !bindJSON(c, &u) {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdAddUser, User: u})
}

func (s *Server) updateUser(c *gin.Context) {
	id, ok := idParam(c, 32)
	if !ok {
		return
	}
	var u model.User
	if !bindJSON(c, &u) {
		return
	}
	if !matchID(c, uint64(u.ID), id) {
		return
	}
	u.ID = uint32(id)
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdUpdateUser, User: u})
}

func (s *Server) deleteUser(c *gin.Context) {
	id, ok := idParam(c, 32)
	if !ok {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdDeleteUser, UserID: uint32(id)})
}

func (s *Server) upsertGroup(c *gin.Context) {
	id, ok := idParam(c, 16)
	if !ok {
		return
	}
	var g model.AccessGroup
	if !bindJSON(c, &g) {
		return
	}
	if !matchID(c, uint64(g.ID), id) {
		return
	}
	g.ID = uint16(id)
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdUpsertGroup, Group: g})
}

func (s *Server) deleteGroup(c *gin.Context) {
	id, ok := idParam(c, 16)
	if !ok {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdDeleteGroup, GroupID: uint16(id)})
}

func (s *Server) upsertSchedule(c *gin.Context) {
	id, ok := idParam(c, 16)
	if !ok {
		return
	}
	var sc model.Schedule
	if !bindJSON(c, &sc) {
		return
	}
	if !matchID(c, uint64(sc.ID), id) {
		return
	}
	sc.ID = uint16(id)
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdUpsertSchedule, Schedule: sc})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	id, ok := idParam(c, 16)
	if !ok {
		return
	}
	s.dispatch(c, coordinator.Command{Kind: coordinator.CmdDeleteSchedule, ScheduleID: uint16(id)})
}

// dispatch runs cmd and answers 200 on success, 207 when some targets failed,
// or the status of the failure when nothing succeeded.
func (s *Server) dispatch(c *gin.Context, cmd coordinator.Command) {
	res := s.backend.Dispatch(c.Request.Context(), cmd)
	status := http.StatusOK
	if res.Err != nil {
		status = errorStatus(res.Err)
		for _, pr := range res.Results {
			if pr.Err == nil {
				status = http.StatusMultiStatus
				break
			}
		}
		_ = c.Error(res.Err)
	}
	c.JSON(status, res)
}

func errorStatus(err error) int {
	var execErr *panel.ExecError
	switch {
	case errors.Is(err, coordinator.ErrUnknownPanel), errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidCommand),
		errors.Is(err, reconcile.ErrInvalidDesired),
		errors.Is(err, model.ErrInvalidDoorID),
		errors.Is(err, records.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrInUse), errors.Is(err, coordinator.ErrPanelExists):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrPanelDegraded),
		errors.Is(err, coordinator.ErrCancelled),
		errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &execErr) && execErr.Kind == panel.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.As(err, &execErr) && execErr.Kind == panel.KindRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func doorParam(c *gin.Context) (model.DoorID, bool) {
	door, err := model.ParseDoorID(c.Param("panel") + "/" + c.Param("door"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return model.DoorID{}, false
	}
	return door, true
}

func idParam(c *gin.Context, bits int) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, bits)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid id %q", c.Param("id"))})
		return 0, false
	}
	return id, true
}

// matchID rejects a body whose id disagrees with the path; a zero body id takes the path's.
func matchID(c *gin.Context, body, path uint64) bool {
	if body != 0 && body != path {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("body id %d does not match path id %d", body, path)})
		return false
	}
	return true
}

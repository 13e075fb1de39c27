package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) freeRange(c *gin.Context) {
	ports, err := s.svc.FreePorts()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"free_ports": ports})
}

func (s *Server) listUsers(c *gin.Context) {
	tenants, err := s.svc.ListTenants()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": tenants})
}

type addUserRequest struct {
	TgID     int64  `json:"tg_id" binding:"required"`
	Username string `json:"username"`
	Port     int    `json:"port" binding:"required"`
	Login    string `json:"login" binding:"required"`
}

func (s *Server) addUser(c *gin.Context) {
	var req addUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenant, err := s.svc.AddTenant(req.TgID, req.Username, req.Port, req.Login)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "user added", "id": tenant.ID,
		"subscription_until": tenant.SubscriptionUntil})
}

type setPortRequest struct {
	TgID int64 `json:"tg_id" binding:"required"`
	Port int   `json:"port" binding:"required"`
}

func (s *Server) setPort(c *gin.Context) {
	var req setPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.svc.SetPort(req.TgID, req.Port)
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{"result": "port changed", "old_port": res.OldPort, "new_port": res.NewPort}
	if res.ReloadWarning != "" {
		body["reload_warning"] = res.ReloadWarning
	}
	c.JSON(http.StatusOK, body)
}

type setSubscriptionRequest struct {
	TgID int64  `json:"tg_id" binding:"required"`
	Date string `json:"date" binding:"required"`
}

func (s *Server) setSubscription(c *gin.Context) {
	var req setSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	until, err := s.svc.SetSubscription(req.TgID, req.Date)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "subscription set", "subscription_until": until})
}

type extendSubscriptionRequest struct {
	TgID   int64 `json:"tg_id" binding:"required"`
	Months int   `json:"months" binding:"required"`
}

func (s *Server) extendSubscription(c *gin.Context) {
	var req extendSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	until, err := s.svc.ExtendSubscription(req.TgID, req.Months)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "subscription extended", "subscription_until": until})
}

func (s *Server) listModes(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	modes, err := s.svc.ListModes(tgID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modes": modes})
}

type addModeRequest struct {
	Name  string `json:"name" binding:"required"`
	Host  string `json:"host" binding:"required"`
	Port  int    `json:"port"`
	Alias string `json:"alias"`
}

func (s *Server) addMode(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	var req addModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := s.svc.AddMode(tgID, req.Name, req.Host, req.Port, req.Alias)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "mode added", "id": mode.ID})
}

func (s *Server) activateMode(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	modeID, ok := idParam(c, "mode_id")
	if !ok {
		return
	}
	warning, err := s.svc.ActivateMode(tgID, modeID)
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{"result": "mode activated"}
	if warning != "" {
		body["reload_warning"] = warning
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) deleteMode(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	modeID, ok := idParam(c, "mode_id")
	if !ok {
		return
	}
	if err := s.svc.DeleteMode(tgID, modeID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "mode deleted"})
}

type setLoginRequest struct {
	Login string `json:"login" binding:"required"`
}

func (s *Server) setLogin(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	var req setLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SetLogin(tgID, req.Login); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "login changed"})
}

func (s *Server) listSchedules(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	schedules, err := s.svc.ListSchedules(tgID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

type addScheduleRequest struct {
	ModeID    int64  `json:"mode_id" binding:"required"`
	StartTime string `json:"start_time" binding:"required"`
	EndTime   string `json:"end_time" binding:"required"`
}

func (s *Server) addSchedule(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	var req addScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sch, err := s.svc.AddSchedule(tgID, req.ModeID, req.StartTime, req.EndTime)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "schedule added", "id": sch.ID})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	schID, ok := idParam(c, "schedule_id")
	if !ok {
		return
	}
	if err := s.svc.DeleteSchedule(tgID, schID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "schedule deleted"})
}

func (s *Server) listDevices(c *gin.Context) {
	tgID, ok := tgIDParam(c)
	if !ok {
		return
	}
	devices, err := s.svc.ListDevices(tgID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) listPayments(c *gin.Context) {
	reqs, err := s.svc.ListPendingPayments()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": reqs})
}

type paymentUpdateRequest struct {
	ID     int64  `json:"id" binding:"required"`
	Action string `json:"action" binding:"required"`
}

func (s *Server) updatePayment(c *gin.Context) {
	var req paymentUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.UpdatePayment(req.ID, req.Action); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "payment updated"})
}

type reloadPortRequest struct {
	Port int `json:"port" binding:"required"`
}

func (s *Server) reloadPort(c *gin.Context) {
	var req reloadPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.ReloadPort(req.Port); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "port reloaded", "port": req.Port})
}

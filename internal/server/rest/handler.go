package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus/engine"
	"github.com/bwu32/canbus/internal/metrics"
)

// Handler REST API处理器
type Handler struct {
	sim      engine.Simulator
	commands *prometheus.CounterVec
}

// NewHandler 创建处理器，命令计数注册到reg
func NewHandler(sim engine.Simulator, reg prometheus.Registerer) *Handler {
	h := &Handler{
		sim:      sim,
		commands: metrics.NewCommandCounter(),
	}
	if reg != nil {
		reg.MustRegister(h.commands)
	}
	return h
}

// Response API响应
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ToggleRequest 安全措施开关请求
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// writeJSON 写入JSON响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 写入错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{
		Code:    status,
		Message: message,
	})
}

// writeSuccess 写入成功响应
func writeSuccess(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// count 命令计数，路由模板作为命令名
func (h *Handler) count(r *http.Request, result string) {
	command := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			command = tpl
		}
	}
	h.commands.WithLabelValues(command, result).Inc()
}

// GetState 仿真状态
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "", h.sim.GetState())
}

// GetAttackStatus 攻击状态
func (h *Handler) GetAttackStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "", h.sim.GetAttackStatus())
}

// GetGraph 流量拓扑
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, "", h.sim.Graph())
}

// ToggleSecurity 开关安全措施
func (h *Handler) ToggleSecurity(w http.ResponseWriter, r *http.Request) {
	measure := mux.Vars(r)["measure"]

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		h.count(r, "invalid")
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}

	if !h.sim.ToggleSecurity(measure, *req.Enabled) {
		h.count(r, "failed")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown security measure: %s", measure))
		return
	}

	h.count(r, "ok")
	log.WithFields(log.Fields{
		"measure": measure,
		"enabled": *req.Enabled,
	}).Debug("Security toggled via REST")
	writeSuccess(w, fmt.Sprintf("%s set to %v", measure, *req.Enabled), nil)
}

// StartAttack 启动攻击
func (h *Handler) StartAttack(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.sim.StartAttack(name) {
		h.count(r, "failed")
		writeError(w, http.StatusConflict, fmt.Sprintf("failed to start %s (unknown or already active)", name))
		return
	}
	h.count(r, "ok")
	writeSuccess(w, fmt.Sprintf("%s started", name), nil)
}

// StopAttack 停止攻击
func (h *Handler) StopAttack(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.sim.StopAttack(name) {
		h.count(r, "failed")
		writeError(w, http.StatusConflict, fmt.Sprintf("failed to stop %s (not active)", name))
		return
	}
	h.count(r, "ok")
	writeSuccess(w, fmt.Sprintf("%s stopped", name), nil)
}

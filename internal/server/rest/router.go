// Package rest 提供仿真引擎的REST API
package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bwu32/canbus/internal/canbus/engine"
)

// Router REST API路由器
type Router struct {
	handler *Handler
	mux     *mux.Router
	limiter *rate.Limiter
}

// NewRouter 创建路由器
// 命令路由经过令牌桶限流，reg用于/metrics与命令计数
func NewRouter(sim engine.Simulator, reg *prometheus.Registry, rps float64, burst int) *Router {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Router{
		handler: NewHandler(sim, reg),
		mux:     mux.NewRouter(),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	r.setupRoutes(reg)
	return r
}

// apiPrefix API路径前缀
const apiPrefix = "/api/v1"

// setupRoutes 设置路由
// 所有路由注册在根路由器上，方法不匹配时返回405
func (r *Router) setupRoutes(reg *prometheus.Registry) {
	r.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.mux.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// 查询
	r.mux.HandleFunc(apiPrefix+"/state", r.handler.GetState).Methods(http.MethodGet)
	r.mux.HandleFunc(apiPrefix+"/attacks", r.handler.GetAttackStatus).Methods(http.MethodGet)
	r.mux.HandleFunc(apiPrefix+"/graph", r.handler.GetGraph).Methods(http.MethodGet)

	// 命令
	r.mux.Handle(apiPrefix+"/security/{measure}", r.throttle(r.handler.ToggleSecurity)).Methods(http.MethodPut)
	r.mux.Handle(apiPrefix+"/attacks/{name}/start", r.throttle(r.handler.StartAttack)).Methods(http.MethodPost)
	r.mux.Handle(apiPrefix+"/attacks/{name}/stop", r.throttle(r.handler.StopAttack)).Methods(http.MethodPost)

	// 指标与健康检查
	r.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.mux.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
}

// throttle 命令限流，超出时返回429
func (r *Router) throttle(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow() {
			r.handler.count(req, "throttled")
			writeError(w, http.StatusTooManyRequests, "too many commands")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ServeHTTP 实现http.Handler接口
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// handleHealth 处理健康检查
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Package admin 提供宿主进程的 HTTP 管理接口：指标、状态、服务端启停与连接请求处置。
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/legamerdc/tickrpc/internal/host"
	"github.com/legamerdc/tickrpc/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options 管理接口依赖
type Options struct {
	Server *server.Server
	// Loop 服务端所在的 tick 循环，修改服务端的操作都投递到它上面执行
	Loop     *host.Loop
	Requests *Requests
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
	// StartServer 启动服务端（例如先重新载入配置）；为空时直接调用 Server.Start
	StartServer func() error
	// CallTimeout 等待 tick 线程执行的上限
	CallTimeout time.Duration
}

type api struct {
	Options
}

// NewRouter 构建管理接口路由
func NewRouter(o Options) http.Handler {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	if o.StartServer == nil {
		o.StartServer = o.Server.Start
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	a := &api{Options: o}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", a.status)
	r.Get("/clients", a.clients)
	r.Delete("/clients/{id}", a.disconnect)
	r.Route("/server", func(r chi.Router) {
		r.Post("/start", a.start)
		r.Post("/stop", a.stop)
	})
	if o.Requests != nil {
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", a.requests)
			r.Post("/{id}/allow", a.decide(true))
			r.Post("/{id}/deny", a.decide(false))
		})
	}
	return r
}

// onLoop 在 tick 线程上执行 fn
func (a *api) onLoop(r *http.Request, fn func()) error {
	ctx, cancel := context.WithTimeout(r.Context(), a.CallTimeout)
	defer cancel()
	return a.Loop.Call(ctx, fn)
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	st := a.Server.Stats()
	body := st.Map()
	body["client_list"] = clientMaps(st.ClientList)
	body["host_ticks"] = a.Loop.Ticks()
	body["host_overruns"] = a.Loop.Overruns()
	writeJSON(w, http.StatusOK, body)
}

func (a *api) clients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, clientMaps(a.Server.Stats().ClientList))
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var ok bool
	if err := a.onLoop(r, func() { ok = a.Server.DisconnectClient(id) }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	var startErr error
	var running bool
	if err := a.onLoop(r, func() {
		startErr = a.StartServer()
		running = a.Server.Running()
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if startErr != nil {
		a.Log.Warn("server start failed", zap.Error(startErr))
		writeError(w, http.StatusConflict, startErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": running})
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	var stopErr error
	if err := a.onLoop(r, func() { stopErr = a.Server.Stop() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if stopErr != nil {
		a.Log.Warn("server stop reported errors", zap.Error(stopErr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (a *api) requests(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Requests.List())
}

func (a *api) decide(allow bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.Requests.Decide(id, allow); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clientMaps(list []server.ClientInfo) []map[string]any {
	out := make([]map[string]any, len(list))
	for i, c := range list {
		out[i] = c.Map()
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

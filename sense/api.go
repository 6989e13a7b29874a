package sense

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/scientisst/gosense/scientisst"
	"github.com/sirupsen/logrus"
)

// LatestFrame is a consumer keeping the last frame received, for the status API
type LatestFrame struct {
	mu    sync.RWMutex
	frame *scientisst.Frame
	count uint64
}

func (l *LatestFrame) OnInit() error  { return nil }
func (l *LatestFrame) OnStart() error { return nil }
func (l *LatestFrame) OnStop() error  { return nil }

func (l *LatestFrame) OnRead(frames []scientisst.Frame) {
	f := frames[len(frames)-1]
	l.mu.Lock()
	l.frame = &f
	l.count += uint64(len(frames))
	l.mu.Unlock()
}

// Get returns the last frame and the number of frames seen so far
func (l *LatestFrame) Get() (*scientisst.Frame, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame, l.count
}

// BuildInfo is reported by GET /version
type BuildInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

// API serves the read-only HTTP status endpoints. It never talks to the
// device, everything comes from consumers and counters.
type API struct {
	build   BuildInfo
	meta    Metadata
	latest  *LatestFrame
	metrics *Metrics
	log     *logrus.Logger
}

func NewAPI(build BuildInfo, meta Metadata, latest *LatestFrame, metrics *Metrics, log *logrus.Logger) *API {
	return &API{build: build, meta: meta, latest: latest, metrics: metrics, log: log}
}

// Router returns the routes of the API
func (a *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/version", a.versionInfo).Methods("GET")
	router.HandleFunc("/metadata", a.getMetadata).Methods("GET")
	router.HandleFunc("/frames/latest", a.getLatestFrame).Methods("GET")
	if a.metrics != nil {
		router.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}

func (a *API) versionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.build)
}

func (a *API) getMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.meta.Map())
}

func (a *API) getLatestFrame(w http.ResponseWriter, r *http.Request) {
	f, count := a.latest.Get()
	if f == nil {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("No frame received yet"))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Labels []string          `json:"labels"`
		Count  uint64            `json:"count"`
		Frame  *scientisst.Frame `json:"frame"`
	}{a.meta.Labels(), count, f})
}

// ListenAddr accepts :[port] as well as [port] and [host]:[port]
func ListenAddr(s string) string {
	if i, err := strconv.Atoi(s); err == nil {
		return fmt.Sprintf(":%d", i)
	}
	return s
}

// Serve starts the HTTP server in the background
func (a *API) Serve(addr string) *http.Server {
	h := &http.Server{Addr: ListenAddr(addr), Handler: a.Router()}
	go func() {
		a.log.Infof("Status API listening on %v", h.Addr)
		if err := h.ListenAndServe(); err != http.ErrServerClosed {
			a.log.Error(err)
		}
	}()
	return h
}

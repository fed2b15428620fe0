package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"cipherfan/internal/domain"
	"cipherfan/internal/telemetry/metric"
)

// MaxMediaBytes bounds an uploaded media blob.
const MaxMediaBytes = 512 << 20

const maxJSONBytes = 8 << 20

type ackRequest struct {
	Count int `json:"count"`
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub     *Hub
	logger  hclog.Logger
	metrics *metric.Registry
	mux     *http.ServeMux
}

// NewServer builds the HTTP surface of hub. metrics may be nil.
func NewServer(hub *Hub, logger hclog.Logger, metrics *metric.Registry) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{hub: hub, logger: logger.Named("http"), metrics: metrics, mux: http.NewServeMux()}

	s.handle("POST /v1/keys", "publish_keys", s.publishKeys)
	s.handle("GET /v1/keys/{user}/{device}", "fetch_keys", s.fetchKeys)
	s.handle("GET /v1/devices/{user}", "list_devices", s.listDevices)
	s.handle("POST /v1/messages", "relay_message", s.relayMessage)
	s.handle("GET /v1/inbox/{user}/{device}", "fetch_inbox", s.fetchInbox)
	s.handle("POST /v1/inbox/{user}/{device}/ack", "ack_inbox", s.ackInbox)
	s.handle("POST /v1/media/{chat}", "upload_media", s.uploadMedia)
	s.handle("GET /v1/media/{id}", "download_media", s.downloadMedia)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// handle registers fn with an access log line and a request counter.
func (s *Server) handle(pattern, endpoint string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.RelayRequests.WithLabelValues(endpoint, strconv.Itoa(rec.code)).Inc()
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) publishKeys(w http.ResponseWriter, r *http.Request) {
	var b domain.PublishedBundle
	if !decodeJSON(w, r, &b) {
		return
	}
	s.reply(w, s.hub.PublishKeyBundle(r.Context(), b), nil)
}

func (s *Server) fetchKeys(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	b, err := s.hub.FetchKeyBundle(r.Context(), domain.UserID(r.PathValue("user")), device)
	s.reply(w, err, b)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.hub.ListDevices(r.Context(), domain.UserID(r.PathValue("user")))
	s.reply(w, err, devs)
}

func (s *Server) relayMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.RelayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := s.hub.RelayMessage(r.Context(), req)
	s.reply(w, err, receipt)
}

func (s *Server) fetchInbox(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	addr := domain.DeviceAddress{UserID: domain.UserID(r.PathValue("user")), DeviceID: device}
	msgs, err := s.hub.FetchInbox(r.Context(), addr, limit)
	s.reply(w, err, msgs)
}

func (s *Server) ackInbox(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr := domain.DeviceAddress{UserID: domain.UserID(r.PathValue("user")), DeviceID: device}
	s.reply(w, s.hub.AckInbox(r.Context(), addr, req.Count), nil)
}

func (s *Server) uploadMedia(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	blob, err := io.ReadAll(io.LimitReader(r.Body, MaxMediaBytes+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(blob) > MaxMediaBytes {
		http.Error(w, "media too large", http.StatusRequestEntityTooLarge)
		return
	}
	receipt, err := s.hub.UploadMedia(r.Context(), domain.ChatID(r.PathValue("chat")), blob)
	s.reply(w, err, receipt)
}

func (s *Server) downloadMedia(w http.ResponseWriter, r *http.Request) {
	blob, err := s.hub.DownloadMedia(r.Context(), r.PathValue("id"))
	if err != nil {
		s.reply(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

// reply maps hub errors onto status codes and writes out as JSON when set.
func (s *Server) reply(w http.ResponseWriter, err error, out any) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("handler failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(into); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func deviceParam(w http.ResponseWriter, r *http.Request) (domain.DeviceID, bool) {
	n, err := strconv.ParseUint(r.PathValue("device"), 10, 32)
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return 0, false
	}
	return domain.DeviceID(n), true
}

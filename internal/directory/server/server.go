package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"veil/internal/domain"
)

// Server exposes the directory/backup contract over HTTP.
type Server struct {
	store Store
	log   *zap.Logger
}

// New returns a Server over the given store. log may be nil.
func New(store Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, log: log}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/bundle/{user}", s.handleBundle).Methods(http.MethodGet)
	r.HandleFunc("/v1/identity/{user}", s.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/v1/prekeys/{user}/{device}/count", s.handlePreKeyCount).Methods(http.MethodGet)
	r.HandleFunc("/v1/prekeys/{user}/{device}/signed", s.handleSignedPreKey).Methods(http.MethodPost)
	r.HandleFunc("/v1/prekeys/{user}/{device}", s.handleAddPreKeys).Methods(http.MethodPost)
	r.HandleFunc("/v1/devices/{user}", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{user}/{device}/active", s.handleTouch).Methods(http.MethodPost)
	r.HandleFunc("/v1/devices/{user}/{device}", s.handleRemoveDevice).Methods(http.MethodDelete)
	r.HandleFunc("/v1/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{user}/{device}/ack", s.handleAck).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{user}/{device}", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/v1/backup/{user}", s.handleBackup).
		Methods(http.MethodPut, http.MethodGet, http.MethodDelete, http.MethodHead)
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg domain.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if reg.UserID == "" || reg.DeviceID == "" {
		http.Error(w, "user_id and device_id required", http.StatusBadRequest)
		return
	}
	existing, err := s.store.RegisterDevice(reg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("device registered",
		zap.String("user", string(reg.UserID)),
		zap.String("device", string(reg.DeviceID)),
		zap.Bool("existing", existing))
	s.writeJSON(w, domain.RegisterResult{Existing: existing})
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	device := domain.DeviceID(r.URL.Query().Get("device"))
	b, err := s.store.ConsumeBundle(user, device)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Debug("bundle served",
		zap.String("user", string(user)),
		zap.Bool("one_time", b.OneTimePreKey != nil))
	s.writeJSON(w, b)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	key, err := s.store.IdentityKey(domain.UserID(mux.Vars(r)["user"]))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, struct {
		IdentityKey domain.X25519Public `json:"identity_key"`
	}{key})
}

func (s *Server) handlePreKeyCount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.store.CountOneTimePreKeys(domain.UserID(vars["user"]), domain.DeviceID(vars["device"]))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, struct {
		Count int `json:"count"`
	}{n})
}

func (s *Server) handleAddPreKeys(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var keys []domain.OneTimePreKeyPublic
	if err := json.NewDecoder(r.Body).Decode(&keys); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.AddOneTimePreKeys(domain.UserID(vars["user"]), domain.DeviceID(vars["device"]), keys); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, struct {
		Added int `json:"added"`
	}{len(keys)})
}

func (s *Server) handleSignedPreKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		ID  domain.SignedPreKeyID `json:"id"`
		Pub domain.X25519Public   `json:"pub"`
		Sig []byte                `json:"sig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.SetSignedPreKey(domain.UserID(vars["user"]), domain.DeviceID(vars["device"]), body.ID, body.Pub, body.Sig); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Devices(domain.UserID(mux.Vars(r)["user"]))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, devices)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.TouchDevice(domain.UserID(vars["user"]), domain.DeviceID(vars["device"])); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.RemoveDevice(domain.UserID(vars["user"]), domain.DeviceID(vars["device"])); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("device removed",
		zap.String("user", vars["user"]),
		zap.String("device", vars["device"]))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg domain.EncryptedMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.EnqueueMessage(msg); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.store.Messages(domain.UserID(vars["user"]), domain.DeviceID(vars["device"]), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, msgs)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.AckMessages(domain.UserID(vars["user"]), domain.DeviceID(vars["device"]), body.Count); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(mux.Vars(r)["user"])
	switch r.Method {
	case http.MethodPut:
		blob, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.PutBackup(user, blob); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		blob, err := s.store.GetBackup(user)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob)
	case http.MethodHead:
		ok, err := s.store.HasBackup(user)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if err := s.store.DeleteBackup(user); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

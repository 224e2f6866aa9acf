package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"dustrak-core/internal/broker"
	"dustrak-core/internal/control"
	"dustrak-core/internal/payload"
	"dustrak-core/internal/store"
)

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// device loads the device named by the {id} path value, writing the error response itself.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return nil, false
	}
	dev, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "device not found")
		} else {
			s.logger.Error("get device", "id", id, "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return nil, false
	}
	return dev, true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	if dev, ok := s.device(w, r); ok {
		s.writeJSON(w, http.StatusOK, dev)
	}
}

type createDeviceRequest struct {
	ExternalID   string `json:"external_id"`
	DataSourceID int64  `json:"data_source_id"`
	OwnerID      int64  `json:"owner_id"`
	HasActuator  bool   `json:"has_actuator"`
	Name         string `json:"name"`
}

func (s *Server) handleAPICreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" || req.DataSourceID <= 0 {
		s.writeError(w, http.StatusBadRequest, "external_id and data_source_id are required")
		return
	}

	dev := &store.Device{
		ExternalID:   req.ExternalID,
		DataSourceID: req.DataSourceID,
		OwnerID:      req.OwnerID,
		HasActuator:  req.HasActuator,
		Name:         req.Name,
	}
	if err := s.store.SaveDevice(r.Context(), dev); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			s.writeError(w, http.StatusConflict, "device already registered on this data source")
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusBadRequest, "unknown data source")
		default:
			s.logger.Error("save device", "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	s.logger.Info("device registered", "id", dev.ID, "external_id", dev.ExternalID, "source", dev.DataSourceID)
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDevice(r.Context(), dev.ID); err != nil {
		s.logger.Error("delete device", "id", dev.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.ctrl.Forget(dev.ID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIDeviceView(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	view, err := s.views.Compose(r.Context(), dev)
	if err != nil {
		s.logger.Error("compose view", "id", dev.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPIDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}
	alerts, err := s.store.ListAlerts(r.Context(), dev.ID, limit)
	if err != nil {
		s.logger.Error("list alerts", "id", dev.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if alerts == nil {
		alerts = []*store.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

// thresholdsRequest accepts both "pm2.5" and "pm2_5".
type thresholdsRequest struct {
	PM1             *float64 `json:"pm1"`
	PM25Dot         *float64 `json:"pm2.5"`
	PM25            *float64 `json:"pm2_5"`
	PM4             *float64 `json:"pm4"`
	PM10            *float64 `json:"pm10"`
	TSP             *float64 `json:"tsp"`
	AveragingWindow int      `json:"averaging_window"`
}

func (s *Server) handleAPIUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	var req thresholdsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u := &payload.ThresholdUpdate{
		PM1:             req.PM1,
		PM25:            req.PM25,
		PM4:             req.PM4,
		PM10:            req.PM10,
		TSP:             req.TSP,
		AveragingWindow: req.AveragingWindow,
	}
	if req.PM25Dot != nil {
		u.PM25 = req.PM25Dot
	}

	th, err := s.ctrl.UpdateThresholds(r.Context(), dev, u)
	if err != nil {
		if errors.Is(err, control.ErrInvalidThresholds) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("update thresholds", "id", dev.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, th)
}

type relayRequest struct {
	State string `json:"state"`
}

func (s *Server) handleAPISetRelay(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	var req relayRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.ctrl.SetRelay(r.Context(), dev, strings.ToUpper(req.State))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "relay_state": s.ctrl.RelayState(r.Context(), dev)})
	case errors.Is(err, control.ErrInvalidRelayState):
		s.writeError(w, http.StatusBadRequest, `state must be "ON" or "OFF"`)
	case errors.Is(err, control.ErrNoActuator):
		s.writeError(w, http.StatusConflict, "device has no actuator")
	case errors.Is(err, broker.ErrNotConnected):
		s.writeError(w, http.StatusBadGateway, "data source not connected")
	default:
		s.logger.Error("set relay", "id", dev.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// redacted returns a copy of ds safe to return to clients.
func redacted(ds *store.DataSource) *store.DataSource {
	c := *ds
	if c.Password != "" {
		c.Password = "********"
	}
	return &c
}

func (s *Server) handleAPIListDataSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListDataSources(r.Context())
	if err != nil {
		s.logger.Error("list data sources", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]*store.DataSource, 0, len(sources))
	for _, ds := range sources {
		out = append(out, redacted(ds))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type dataSourceRequest struct {
	Kind           store.SourceKind `json:"kind"`
	Endpoint       string           `json:"endpoint"`
	Username       string           `json:"username"`
	Password       string           `json:"password"`
	Description    string           `json:"description"`
	Topics         []string         `json:"topics"`
	AllowAnonymous *bool            `json:"allow_anonymous"` // nil leaves it unchanged on PATCH
}

type dataSourceResponse struct {
	*store.DataSource
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleAPICreateDataSource(w http.ResponseWriter, r *http.Request) {
	var req dataSourceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = store.KindBroker
	}
	if req.Kind != store.KindBroker && req.Kind != store.KindPolledAPI {
		s.writeError(w, http.StatusBadRequest, "kind must be broker or polled-api")
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		s.writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	ds := &store.DataSource{
		Kind:           req.Kind,
		Endpoint:       strings.TrimSpace(req.Endpoint),
		Username:       req.Username,
		Password:       req.Password,
		Description:    req.Description,
		Topics:         req.Topics,
		AllowAnonymous: req.AllowAnonymous != nil && *req.AllowAnonymous,
	}
	if err := s.store.SaveDataSource(r.Context(), ds); err != nil {
		s.logger.Error("save data source", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := dataSourceResponse{DataSource: redacted(ds)}
	if s.sources != nil {
		if err := s.sources.Add(ds); err != nil {
			resp.Warning = err.Error()
		}
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// handleAPIUpdateDataSource changes credentials, topics or description and
// restarts the connection. Kind and endpoint are immutable.
func (s *Server) handleAPIUpdateDataSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid data source id")
		return
	}
	ds, err := s.store.GetDataSource(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "data source not found")
			return
		}
		s.logger.Error("get data source", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var req dataSourceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind != "" {
		ds.Kind = req.Kind
	}
	if req.Endpoint != "" {
		ds.Endpoint = strings.TrimSpace(req.Endpoint)
	}
	if req.Username != "" {
		ds.Username = req.Username
	}
	if req.Password != "" {
		ds.Password = req.Password
	}
	if req.Description != "" {
		ds.Description = req.Description
	}
	if req.Topics != nil {
		ds.Topics = req.Topics
	}
	if req.AllowAnonymous != nil {
		ds.AllowAnonymous = *req.AllowAnonymous
	}

	if err := s.store.SaveDataSource(r.Context(), ds); err != nil {
		if errors.Is(err, store.ErrImmutable) {
			s.writeError(w, http.StatusConflict, "kind and endpoint cannot be changed")
			return
		}
		s.logger.Error("save data source", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := dataSourceResponse{DataSource: redacted(ds)}
	if s.sources != nil {
		s.sources.Remove(ds.ID)
		if err := s.sources.Add(ds); err != nil {
			resp.Warning = err.Error()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIDeleteDataSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid data source id")
		return
	}
	if err := s.store.DeleteDataSource(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "data source not found")
			return
		}
		s.logger.Error("delete data source", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if s.sources != nil {
		s.sources.Remove(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

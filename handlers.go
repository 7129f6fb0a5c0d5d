package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-relay/detections"
	"github.com/Tutortoise/detection-relay/models"
	"github.com/Tutortoise/detection-relay/mosaic"
	"github.com/Tutortoise/detection-relay/pipeline"
	"github.com/Tutortoise/detection-relay/sections"
)

const maxUploadSize = 32 << 20

type AppState struct {
	Pipeline *pipeline.Pipeline
	// Pool is nil when the classifier does not run on a local session pool.
	Pool   *detections.SessionPool
	Logger *zap.SugaredLogger
}

type FrameResponse struct {
	Reply      string                   `json:"reply"`
	RequestID  string                   `json:"request_id,omitempty"`
	SessionID  string                   `json:"session_id,omitempty"`
	Detections []models.TaggedDetection `json:"detections,omitempty"`
	Mosaic     *pipeline.MosaicResult   `json:"mosaic,omitempty"`
	Message    string                   `json:"message,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type frameRequest struct {
	image       []byte
	coordinates string
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/frames", s.handleFrame).Methods("POST")
	r.HandleFunc("/session", s.handleNewSession).Methods("POST")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *AppState) handleFrame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	var req *frameRequest
	var err error
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		req, err = handleJSONRequest(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		req, err = handleMultipartRequest(r)
	default:
		req, err = handleRawRequest(r)
	}
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	if req.coordinates == EndSentinel {
		s.finishSession(w, r)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(req.image)
	decodeTime := time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	res, err := s.Pipeline.ProcessFrame(ctx, img, req.coordinates)
	switch {
	case errors.Is(err, sections.ErrMalformedTagMap):
		sendErrorResponse(w, "invalid_coordinates", err.Error(), http.StatusBadRequest)
		return
	case pipeline.IsTimeout(err):
		sendErrorResponse(w, "timeout", err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.Logger.Errorw("frame failed", "error", err)
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Debugw("frame processed", "request_id", res.RequestID, "decode", decodeTime,
		"entries", len(res.Entries))
	sendJSON(w, http.StatusOK, FrameResponse{
		Reply:      formatReply(res.Entries),
		RequestID:  res.RequestID,
		SessionID:  res.SessionID,
		Detections: sections.Reportable(res.Detections),
	})
}

func (s *AppState) finishSession(w http.ResponseWriter, r *http.Request) {
	out, err := s.Pipeline.Terminate(r.Context())
	switch {
	case errors.Is(err, mosaic.ErrNoCrops):
		s.Logger.Warnw("no crops to compose", "session", out.SessionID)
		sendJSON(w, http.StatusOK, FrameResponse{Reply: NoDetections, Mosaic: &out, Message: MsgNoCrops})
	case err != nil:
		s.Logger.Errorw("mosaic failed", "session", out.SessionID, "error", err)
		sendErrorResponse(w, "mosaic_error", err.Error(), http.StatusInternalServerError)
	default:
		sendJSON(w, http.StatusOK, FrameResponse{Reply: NoDetections, Mosaic: &out, Message: MsgMosaicWritten})
	}
}

func (s *AppState) handleNewSession(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"session_id": s.Pipeline.StartSession()})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"pipeline":     s.Pipeline.GetMetrics(),
		"cpu_features": detections.CPUFeatures(),
	}
	if s.Pool != nil {
		response["pool_size"] = s.Pool.Size()
		response["pool"] = s.Pool.GetMetrics()
	}
	sendJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"session_id": s.Pipeline.SessionID(),
	})
}

func handleJSONRequest(r *http.Request) (*frameRequest, error) {
	var body struct {
		Image       string `json:"image"`
		Coordinates string `json:"coordinates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode request body")
	}
	req := &frameRequest{coordinates: body.Coordinates}
	if body.Coordinates == EndSentinel {
		return req, nil
	}
	img, err := base64.StdEncoding.DecodeString(body.Image)
	if err != nil {
		return nil, errors.Wrap(err, "decode image field")
	}
	req.image = img
	return req, nil
}

func handleMultipartRequest(r *http.Request) (*frameRequest, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}
	req := &frameRequest{coordinates: r.FormValue("coordinates")}
	if req.coordinates == EndSentinel {
		return req, nil
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	req.image, err = io.ReadAll(file)
	return req, err
}

func handleRawRequest(r *http.Request) (*frameRequest, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return &frameRequest{image: data, coordinates: r.URL.Query().Get("coordinates")}, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

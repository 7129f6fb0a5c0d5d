package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/Tutortoise/detection-relay/brightness"
	"github.com/Tutortoise/detection-relay/detections"
	"github.com/Tutortoise/detection-relay/mosaic"
	"github.com/Tutortoise/detection-relay/pipeline"
	"github.com/Tutortoise/detection-relay/store"
)

const middleTags = "R0:C0:R0:C1:R0:C2"

type oneBox struct{}

func (oneBox) Propose(context.Context, image.Image) ([]image.Rectangle, error) {
	return []image.Rectangle{image.Rect(200, 100, 300, 200)}, nil
}

type confident struct{}

func (confident) Predict(_ context.Context, b detections.Batch) ([][]float32, error) {
	out := make([][]float32, b.Size)
	for i := range out {
		out[i] = make([]float32, detections.NumOutputs)
		out[i][2] = 0.999
	}
	return out, nil
}

func newTestState() (*AppState, store.Store) {
	logger := zap.NewNop().Sugar()
	s := store.NewMemory()
	p := pipeline.New(
		oneBox{},
		detections.NewProposalClassifier(detections.DefaultConfig(), confident{}),
		brightness.New(),
		mosaic.NewComposer(s, logger),
		s,
		pipeline.DefaultOptions(),
		logger,
	)
	return &AppState{Pipeline: p, Logger: logger}, s
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(500, 300, color.NRGBA{10, 10, 10, 255})
	test.That(t, imaging.Encode(&buf, img, imaging.PNG), test.ShouldBeNil)
	return buf.Bytes()
}

func serve(state *AppState, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, req)
	return rec
}

func jsonFrame(t *testing.T, img []byte, coords string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"image":       base64.StdEncoding.EncodeToString(img),
		"coordinates": coords,
	})
	test.That(t, err, test.ShouldBeNil)
	req := httptest.NewRequest(http.MethodPost, "/frames", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeFrame(t *testing.T, rec *httptest.ResponseRecorder) FrameResponse {
	t.Helper()
	var resp FrameResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
	return resp
}

func TestFormatReply(t *testing.T) {
	test.That(t, formatReply(nil), test.ShouldEqual, "None")
	test.That(t, formatReply([]string{"3, (R0, C1)"}), test.ShouldEqual, "['3, (R0, C1)']")
	test.That(t, formatReply([]string{"3, (R0, C1)", "7, (R1, C0)"}), test.ShouldEqual,
		"['3, (R0, C1)', '7, (R1, C0)']")
}

func TestHandleFrameJSON(t *testing.T) {
	state, _ := newTestState()
	img := pngBytes(t)

	rec := serve(state, jsonFrame(t, img, middleTags))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	resp := decodeFrame(t, rec)
	test.That(t, resp.Reply, test.ShouldEqual, "['3, (R0, C1)']")
	test.That(t, resp.Detections, test.ShouldHaveLength, 1)
	test.That(t, resp.Detections[0].Label, test.ShouldEqual, 3)

	rec = serve(state, jsonFrame(t, img, middleTags))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, decodeFrame(t, rec).Reply, test.ShouldEqual, NoDetections)
}

func TestHandleFrameMultipart(t *testing.T) {
	state, _ := newTestState()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	test.That(t, mw.WriteField("coordinates", middleTags), test.ShouldBeNil)
	part, err := mw.CreateFormFile("file", "frame.png")
	test.That(t, err, test.ShouldBeNil)
	_, err = part.Write(pngBytes(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	req := httptest.NewRequest(http.MethodPost, "/frames", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := serve(state, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, decodeFrame(t, rec).Reply, test.ShouldEqual, "['3, (R0, C1)']")
}

func TestHandleFrameRaw(t *testing.T) {
	state, _ := newTestState()
	req := httptest.NewRequest(http.MethodPost, "/frames?coordinates="+middleTags, bytes.NewReader(pngBytes(t)))
	req.Header.Set("Content-Type", "image/png")
	rec := serve(state, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, decodeFrame(t, rec).Reply, test.ShouldEqual, "['3, (R0, C1)']")
}

func TestHandleFrameBadInput(t *testing.T) {
	state, _ := newTestState()

	rec := serve(state, jsonFrame(t, pngBytes(t), "R0:C0"))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_coordinates")

	rec = serve(state, jsonFrame(t, []byte("not an image"), middleTags))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_image")

	req := httptest.NewRequest(http.MethodPost, "/frames", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	rec = serve(state, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_request")
}

func TestHandleEndWithoutCrops(t *testing.T) {
	state, _ := newTestState()
	before := state.Pipeline.SessionID()

	rec := serve(state, jsonFrame(t, nil, EndSentinel))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	resp := decodeFrame(t, rec)
	test.That(t, resp.Reply, test.ShouldEqual, NoDetections)
	test.That(t, resp.Message, test.ShouldEqual, MsgNoCrops)
	test.That(t, resp.Mosaic.SessionID, test.ShouldEqual, before)
	test.That(t, state.Pipeline.SessionID(), test.ShouldNotEqual, before)
}

func TestHandleEndWritesMosaic(t *testing.T) {
	state, s := newTestState()
	rec := serve(state, jsonFrame(t, pngBytes(t), middleTags))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	rec = serve(state, jsonFrame(t, nil, EndSentinel))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	resp := decodeFrame(t, rec)
	test.That(t, resp.Message, test.ShouldEqual, MsgMosaicWritten)
	test.That(t, resp.Mosaic.Crops, test.ShouldEqual, 1)

	_, err := s.Get(context.Background(), pipeline.DefaultMosaic)
	test.That(t, err, test.ShouldBeNil)

	// labels are reported again after the session ended
	rec = serve(state, jsonFrame(t, pngBytes(t), middleTags))
	test.That(t, decodeFrame(t, rec).Reply, test.ShouldEqual, "['3, (R0, C1)']")
}

func TestSessionAndMonitoringRoutes(t *testing.T) {
	state, _ := newTestState()
	before := state.Pipeline.SessionID()

	rec := serve(state, httptest.NewRequest(http.MethodPost, "/session", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	var session map[string]string
	test.That(t, json.NewDecoder(rec.Body).Decode(&session), test.ShouldBeNil)
	test.That(t, session["session_id"], test.ShouldNotEqual, before)

	rec = serve(state, httptest.NewRequest(http.MethodGet, "/health", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	var health map[string]string
	test.That(t, json.NewDecoder(rec.Body).Decode(&health), test.ShouldBeNil)
	test.That(t, health["status"], test.ShouldEqual, "ok")
	test.That(t, health["session_id"], test.ShouldEqual, session["session_id"])

	rec = serve(state, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	var metrics map[string]json.RawMessage
	test.That(t, json.NewDecoder(rec.Body).Decode(&metrics), test.ShouldBeNil)
	test.That(t, metrics, test.ShouldContainKey, "pipeline")
	_, hasPool := metrics["pool"]
	test.That(t, hasPool, test.ShouldBeFalse)

	rec = serve(state, httptest.NewRequest(http.MethodGet, "/frames", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusMethodNotAllowed)
}

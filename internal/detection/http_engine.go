package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/walker.report/internal/httputil"
)

// HTTPEngine calls an inference service that accepts a multipart image on
// POST /detect and answers with {"detections": [...]}.
type HTTPEngine struct {
	endpoint string
	client   httputil.HTTPClient
}

func NewHTTPEngine(endpoint string, client httputil.HTTPClient) *HTTPEngine {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPEngine{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

type httpDetection struct {
	Label      string  `json:"label"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type httpDetectResponse struct {
	Detections []httpDetection `json:"detections"`
}

func (e *HTTPEngine) Detect(ctx context.Context, image []byte, p Params) ([]Detection, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	w.WriteField("conf", strconv.FormatFloat(p.ConfidenceFloor, 'f', 3, 64))
	w.WriteField("imgsz", strconv.Itoa(p.ImageSize))
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/detect", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detect returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out httpDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode detect response: %w", err)
	}
	dets := make([]Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		label := d.Label
		if label == "" {
			label = d.Class
		}
		dets = append(dets, Detection{Label: label, Confidence: d.Confidence})
	}
	return dets, nil
}

// Health checks GET /health.
func (e *HTTPEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

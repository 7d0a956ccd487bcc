package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/config"
)

// Categories is the fixed garage taxonomy the vision model must classify into.
var Categories = []string{
	"Tools",
	"Fasteners",
	"Adhesives/Chemicals",
	"Electrical/Cords/Batteries",
	"Paint/Finishing",
	"Safety/PPE",
	"Lawn/Outdoor",
	"Automotive",
	"Hardware/Misc",
	"Resin-Bound Supplies",
}

// maxResponseBytes caps how much of a vision API response is read.
const maxResponseBytes = 1 << 20

// Vision calls an OpenAI-compatible chat-completions endpoint with the chunk as an inline image.
type Vision struct {
	url     string
	apiKey  string
	model   string
	minConf float64
	client  *http.Client
	logger  *zap.Logger
}

// NewVision creates a vision-model detector.
func NewVision(cfg config.DetectorConfig, logger *zap.Logger) *Vision {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Vision{
		url:     cfg.APIURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		minConf: cfg.MinConf,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// New returns the detector selected by cfg.Kind.
func New(cfg config.DetectorConfig, logger *zap.Logger) Detector {
	if cfg.Kind == "vision" {
		return NewVision(cfg, logger)
	}
	return NewStub()
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type visionItem struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	BBox       *Box    `json:"bbox"`
}

func systemPrompt() string {
	cats, _ := json.Marshal(Categories)
	return "Extract distinct, physical GARAGE items from the photo.\n" +
		`Return a JSON: {"items":[{"name":string,"category":one of ` + string(cats) +
		`,"confidence":0..1,"bbox":{"x":0..1,"y":0..1,"w":0..1,"h":0..1}}]}` + "\n" +
		"Rules:\n" +
		"- Prefer concrete names (e.g. \"cordless impact driver\", \"50ft extension cord\").\n" +
		"- Merge duplicates; skip trash/packaging.\n" +
		"- Only include items visible enough to retrieve later."
}

// Detect implements Detector.
func (v *Vision) Detect(ctx context.Context, chunk Chunk) ([]Detection, error) {
	if v.apiKey == "" {
		return nil, failure("vision api key missing")
	}
	contentType := chunk.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(chunk.Data)

	body, err := json.Marshal(chatRequest{
		Model:       v.model,
		Temperature: 0.2,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: "Detect items and return strict JSON."},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, failure("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, failure("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, failure("call vision api: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failure("vision api status %d", resp.StatusCode)
	}

	items, err := parseItems(raw)
	if err != nil {
		return nil, err
	}
	dets := v.filter(items)
	v.logger.Debug("vision detections", zap.String("session_id", chunk.SessionID), zap.Int64("seq", chunk.Seq), zap.Int("count", len(dets)))
	return dets, nil
}

func parseItems(raw []byte) ([]visionItem, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, failure("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, failure("no choices in response")
	}
	var payload struct {
		Items []visionItem `json:"items"`
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, failure("decode items: %v", err)
	}
	return payload.Items, nil
}

func (v *Vision) filter(items []visionItem) []Detection {
	valid := make(map[string]bool, len(Categories))
	for _, c := range Categories {
		valid[c] = true
	}
	out := make([]Detection, 0, len(items))
	for _, it := range items {
		if !valid[it.Category] || it.BBox == nil || it.Confidence < v.minConf {
			continue
		}
		out = append(out, Detection{
			Label:      fmt.Sprintf("%s (%s)", it.Name, it.Category),
			Confidence: it.Confidence,
			BBox:       *it.BBox,
		})
	}
	return out
}

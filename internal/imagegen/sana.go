package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"story-pipeline/internal/metrics"
)

// SanaGenerator генерирует обложки через HTTP-сервер SANA, сохраняет файл
// в каталог публикации и возвращает публичный URL.
type SanaGenerator struct {
	baseURL       string
	client        *http.Client
	savePath      string
	publicBaseURL string
	logger        *zap.Logger
}

// NewSanaGenerator создает генератор SANA.
func NewSanaGenerator(cfg Config, logger *zap.Logger) (*SanaGenerator, error) {
	if cfg.SavePath == "" {
		return nil, errors.New("image save path (IMAGE_SAVE_PATH) is not configured")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("image public base URL (IMAGE_PUBLIC_BASE_URL) is not configured")
	}
	if err := os.MkdirAll(cfg.SavePath, 0o755); err != nil {
		return nil, fmt.Errorf("create image save path: %w", err)
	}
	return &SanaGenerator{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		client:        &http.Client{},
		savePath:      cfg.SavePath,
		publicBaseURL: cfg.PublicBaseURL,
		logger:        logger.Named("SanaImages"),
	}, nil
}

// sanaRequest - тело запроса к SANA API.
type sanaRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

// Generate вызывает SANA, сохраняет файл и строит публичный URL.
func (g *SanaGenerator) Generate(ctx context.Context, spec Spec) (Result, error) {
	log := g.logger.With(zap.String("reference", spec.Reference))
	if spec.Reference == "" {
		return Result{}, fmt.Errorf("%w: reference is required but empty", ErrImageSaveFailed)
	}
	ratio := spec.Ratio
	if ratio == "" {
		ratio = "2:3"
	}

	imageData, err := g.call(ctx, spec.Prompt, ratio)
	if err != nil {
		log.Error("SANA API call failed", zap.Error(err))
		metrics.ImageRequests.WithLabelValues("sana", "error").Inc()
		return Result{}, err
	}
	if len(imageData) == 0 {
		metrics.ImageRequests.WithLabelValues("sana", "error_empty").Inc()
		return Result{}, fmt.Errorf("%w: API returned empty data", ErrImageGenerationFailed)
	}

	fileName := spec.Reference + ".jpg"
	filePath := filepath.Join(g.savePath, fileName)
	if err := os.WriteFile(filePath, imageData, 0o644); err != nil {
		log.Error("Failed to save image to file", zap.String("path", filePath), zap.Error(err))
		metrics.ImageRequests.WithLabelValues("sana", "error_save").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrImageSaveFailed, err)
	}

	imageURL := publicURL(g.publicBaseURL, fileName)
	metrics.ImageRequests.WithLabelValues("sana", "success").Inc()
	log.Info("Cover image saved", zap.String("path", filePath), zap.String("url", imageURL), zap.Int("size_bytes", len(imageData)))
	return Result{Ref: imageURL, Raw: filePath}, nil
}

func (g *SanaGenerator) call(ctx context.Context, prompt, ratio string) ([]byte, error) {
	body, err := json.Marshal(sanaRequest{Prompt: prompt, Ratio: ratio})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrImageGenerationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(data)))
	}
	if readErr != nil {
		return nil, classifyTransport(readErr)
	}
	return data, nil
}

// publicURL склеивает базовый URL и имя файла без двойных слешей.
func publicURL(base, fileName string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		base = "https://" + base
	}
	return base + "/" + fileName
}

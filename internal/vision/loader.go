package vision

import (
	"fmt"
	"log/slog"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/presence/internal/config"
)

// LoadEngine initialises all ONNX models per the config and returns a
// ready engine. The emotion head is optional: an empty EmotionModel
// disables the fun channel. mirror may be nil.
func LoadEngine(cfg config.VisionConfig, mirror Mirror) (*Engine, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	// Each call returns a fresh *ort.SessionOptions that must be
	// destroyed after the session is created.
	newSessionOptions := func() (*ort.SessionOptions, error) {
		opts, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("create session options: %w", err)
		}
		if cfg.Backend == "cuda" {
			cudaOpts, err := ort.NewCUDAProviderOptions()
			if err != nil {
				opts.Destroy()
				return nil, fmt.Errorf("create cuda provider options: %w", err)
			}
			err = opts.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
			if err != nil {
				opts.Destroy()
				return nil, fmt.Errorf("append cuda provider: %w", err)
			}
		}
		return opts, nil
	}

	slog.Info("loading detection model", "path", detPath, "backend", cfg.Backend)
	detOpts, err := newSessionOptions()
	if err != nil {
		return nil, err
	}
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), detOpts)
	detOpts.Destroy()
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	embOpts, err := newSessionOptions()
	if err != nil {
		det.Close()
		return nil, err
	}
	emb, err := NewEmbedder(embPath, embOpts)
	embOpts.Destroy()
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	var emotion EmotionHead
	if cfg.EmotionModel != "" {
		emoPath := filepath.Join(cfg.ModelsDir, cfg.EmotionModel)
		slog.Info("loading emotion model", "path", emoPath)
		emoOpts, err := newSessionOptions()
		if err != nil {
			det.Close()
			emb.Close()
			return nil, err
		}
		emo, err := NewEmotionPredictor(emoPath, emoOpts)
		emoOpts.Destroy()
		if err != nil {
			det.Close()
			emb.Close()
			return nil, fmt.Errorf("load emotion model: %w", err)
		}
		emotion = emo
	}

	return NewEngine(det, emb, emotion, cfg.MinCosineAccept, mirror), nil
}

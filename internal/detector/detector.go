// internal/detector/detector.go
package detector

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/sua-org/cam-sentinel/internal/core"
)

var (
	ErrServiceUnavailable = errors.New("detection service unavailable")
	ErrModelNotLoaded     = errors.New("detection model not loaded")
)

// Detector roda o modelo num frame. O resultado vem ordenado por confiança
// decrescente e nunca contém detecções abaixo do threshold.
// Implementações são compartilhadas entre todos os workers (só leitura).
type Detector interface {
	Detect(ctx context.Context, frame core.Frame, threshold float32) ([]core.Detection, error)
}

// Filter remove tudo abaixo do threshold e ordena por confiança decrescente.
func Filter(dets []core.Detection, threshold float32) []core.Detection {
	out := make([]core.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b core.Detection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	return out
}

package services

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"incident-detector-service/internal/core/domain"
	output "incident-detector-service/internal/core/ports/output"
)

// PredictionService runs one image through sync, classification, captioning
// and fusion.
type PredictionService struct {
	syncer       *ArtifactSyncer
	models       *ModelLifecycleManager
	preprocessor output.ImagePreprocessor
	captioner    output.Captioner
	fakes        output.FakePhotoDetector
	fusion       *DecisionFusionEngine
}

func NewPredictionService(
	syncer *ArtifactSyncer,
	models *ModelLifecycleManager,
	preprocessor output.ImagePreprocessor,
	captioner output.Captioner,
	fakes output.FakePhotoDetector,
	fusion *DecisionFusionEngine,
) *PredictionService {
	return &PredictionService{
		syncer:       syncer,
		models:       models,
		preprocessor: preprocessor,
		captioner:    captioner,
		fakes:        fakes,
		fusion:       fusion,
	}
}

// Predict classifies and describes image and fuses both into a verdict.
func (s *PredictionService) Predict(ctx context.Context, image []byte) (*domain.Verdict, error) {
	if len(image) == 0 {
		return nil, domain.ErrEmptyImage
	}

	// Both artifacts are synced before the model is touched; a download
	// has already invalidated the handle when SyncAll returns.
	s.syncer.SyncAll(ctx)

	handle, err := s.models.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	inputSpec, _ := handle.Schema.Input()
	input, err := s.preprocessor.Tensorize(image, inputSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}

	var (
		result  *domain.ClassificationResult
		caption string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := handle.Classify(gctx, input)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	g.Go(func() error {
		caption = s.captioner.Caption(gctx, image)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	isFake := false
	if result.Label != domain.LabelNoneAccident {
		isFake = s.fakes.IsFake(image)
	}
	ambiguous := s.fusion.IsAmbiguous(result.RawScores)

	verdict := s.fusion.Decide(*result, caption, isFake, ambiguous)
	log.WithFields(log.Fields{
		"predicted_label": result.Label,
		"confidence":      result.Confidence,
		"fake":            isFake,
		"ambiguous":       ambiguous,
		"action":          verdict.Action,
		"verdict_label":   verdict.Label,
	}).Info("prediction completed")
	return &verdict, nil
}

// Sync brings the artifacts up to date without running a prediction.
func (s *PredictionService) Sync(ctx context.Context) []domain.SyncReport {
	return s.syncer.SyncAll(ctx)
}

// InvalidateModel forces the next prediction to reload the model from disk.
func (s *PredictionService) InvalidateModel() {
	s.models.Invalidate()
}

func (s *PredictionService) ModelStatus() domain.ModelStatus {
	return s.models.Status()
}

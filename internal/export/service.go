package export

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"decider/api/internal/cart"
)

// Service renders cart artifacts and optionally stores them in a sink.
type Service struct {
	sorter     Sorter
	sink       Sink
	appVersion string
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates an export service. sorter is needed for reports only
// and sink for Store only; either may be nil.
func NewService(sorter Sorter, sink Sink, appVersion string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sorter:     sorter,
		sink:       sink,
		appVersion: appVersion,
		logger:     logger,
		now:        time.Now,
	}
}

// Render generates an artifact of the requested kind.
func (s *Service) Render(ctx context.Context, kind Kind, c cart.Cart) (*Artifact, error) {
	switch kind {
	case KindCart:
		return CartFile(c)
	case KindNavigator:
		return NavigatorFile(c)
	case KindReport:
		if s.sorter == nil {
			return nil, fmt.Errorf("%w: no sorter configured", ErrSortFailed)
		}
		return ReportFile(ctx, s.sorter, c, s.appVersion, s.now())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Store renders an artifact and hands it to the sink, returning its location.
func (s *Service) Store(ctx context.Context, kind Kind, c cart.Cart) (*Artifact, string, error) {
	if s.sink == nil {
		return nil, "", ErrNoSink
	}
	a, err := s.Render(ctx, kind, c)
	if err != nil {
		return nil, "", err
	}
	location, err := s.sink.Put(ctx, a)
	if err != nil {
		s.logger.Warn("export sink write failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil, "", fmt.Errorf("store %s export: %w", kind, err)
	}
	s.logger.Info("export stored", zap.String("kind", string(kind)), zap.String("location", location))
	return a, location, nil
}

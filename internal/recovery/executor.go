package recovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
)

// Resolution is how a failure is surfaced once recovery has run.
type Resolution string

const (
	// ResolutionAutomatic means the failure was handled without user involvement.
	ResolutionAutomatic Resolution = "automatic"

	// ResolutionNotice means the user is told what happened and what to do.
	ResolutionNotice Resolution = "notice"

	// ResolutionDegraded means work continues with reduced guarantees.
	ResolutionDegraded Resolution = "degraded"
)

// Outcome is the result of a recovery attempt. Every failure resolves to one.
type Outcome struct {
	Kind          domain.ErrorKind `json:"kind"`
	Resolution    Resolution       `json:"resolution"`
	Recovered     bool             `json:"recovered"`
	Message       string           `json:"message"`
	ManualActions []Strategy       `json:"actions,omitempty"`
}

// Actions are the side effects automatic strategies may perform.
// A nil action disables its strategy.
type Actions struct {
	// FallbackToKV switches the active backend to key-value storage.
	FallbackToKV func(ctx context.Context) error

	// DeleteFile removes a stored file from the active backend.
	DeleteFile func(ctx context.Context, id string) error
}

// Executor runs automatic recovery strategies.
type Executor struct {
	actions             Actions
	autoDeleteCorrupted bool
	logger              zerolog.Logger
}

// NewExecutor creates a recovery executor.
func NewExecutor(actions Actions, autoDeleteCorrupted bool, logger zerolog.Logger) *Executor {
	return &Executor{
		actions:             actions,
		autoDeleteCorrupted: autoDeleteCorrupted,
		logger:              logger.With().Str("component", "recovery").Logger(),
	}
}

// Describe builds the outcome of err without running any strategy.
func Describe(err error) Outcome {
	se := Classify(err)
	if se == nil {
		return Outcome{Resolution: ResolutionAutomatic, Recovered: true}
	}
	return Outcome{
		Kind:          se.Kind,
		Resolution:    ResolutionNotice,
		Message:       se.Error(),
		ManualActions: ManualStrategies(se.Kind),
	}
}

// Recover classifies err and runs the first applicable automatic strategy.
// fileID names the affected file, if any.
func (e *Executor) Recover(ctx context.Context, err error, fileID string) Outcome {
	se := Classify(err)
	if se == nil {
		return Outcome{Resolution: ResolutionAutomatic, Recovered: true}
	}

	out := Describe(se)
	for _, s := range StrategiesFor(se.Kind) {
		if !s.Automatic {
			continue
		}
		if done, ok := e.run(ctx, s, se, fileID); ok {
			done.ManualActions = out.ManualActions
			return done
		}
	}
	return out
}

// run executes one automatic strategy. It reports false when the strategy
// does not apply or failed.
func (e *Executor) run(ctx context.Context, s Strategy, se *domain.StorageError, fileID string) (Outcome, bool) {
	log := e.logger.With().
		Str("strategy", s.Name).
		Str("kind", string(se.Kind)).
		Logger()

	switch s.Name {
	case StrategyFallbackKV:
		if e.actions.FallbackToKV == nil {
			return Outcome{}, false
		}
		if err := e.actions.FallbackToKV(ctx); err != nil {
			log.Error().Err(err).Msg("fallback to key-value storage failed")
			return Outcome{}, false
		}
		log.Warn().Msg("switched to key-value storage")
		return Outcome{
			Kind:       se.Kind,
			Resolution: ResolutionDegraded,
			Recovered:  true,
			Message:    "durable storage is unavailable, files are now kept in key-value storage with a smaller capacity",
		}, true

	case StrategyDeleteCorrupted:
		if !e.autoDeleteCorrupted || fileID == "" || e.actions.DeleteFile == nil {
			return Outcome{}, false
		}
		if err := e.actions.DeleteFile(ctx, fileID); err != nil {
			log.Error().Err(err).Str("file_id", fileID).Msg("failed to delete corrupted file")
			return Outcome{}, false
		}
		log.Info().Str("file_id", fileID).Msg("deleted corrupted file")
		return Outcome{
			Kind:       se.Kind,
			Resolution: ResolutionAutomatic,
			Recovered:  true,
			Message:    fmt.Sprintf("file %s was corrupted and has been removed, please upload it again", fileID),
		}, true

	case StrategyStoreUncompressed:
		return Outcome{
			Kind:       se.Kind,
			Resolution: ResolutionAutomatic,
			Recovered:  true,
			Message:    "image could not be compressed and was stored unchanged",
		}, true
	}

	return Outcome{}, false
}

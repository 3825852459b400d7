package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/enocoosync/enocoosync/pkg/types"
)

var (
	// ErrInvalidStatistic is returned when metadata or points cannot be stored.
	ErrInvalidStatistic = errors.New("invalid statistic")
)

// Statistics is a store of hourly long-term statistics.
type Statistics interface {
	// LastStatistics returns up to n of the most recent points of a statistic,
	// newest first. An unknown statistic has no points.
	LastStatistics(ctx context.Context, statisticID string, n int) ([]types.StatisticPoint, error)

	// StatisticsDuringPeriod returns the hourly points starting at or after
	// start and before end, oldest first. A zero end is unbounded. Stores may
	// return more fields than requested.
	StatisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, fields []types.StatisticField) ([]types.StatisticPoint, error)

	// GetMetadata returns the metadata of a statistic or nil if it is unknown.
	GetMetadata(ctx context.Context, statisticID string) (*types.StatisticMetadata, error)

	// AddExternalStatistics stores the metadata and points. A point replaces an
	// existing point with the same start.
	AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error

	// Close releases the underlying resources.
	Close() error
}

// Configured sets up the Statistics provider based on flags.
func Configured() Statistics {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: firestore, sqlite, homeassistant, memory)")

	var p struct{ Statistics }

	fs := configuredFirestore()
	sq := configuredSQLite()
	ha := configuredHomeAssistant()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Statistics = fs
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			p.Statistics = sq
		case "homeassistant":
			if err := ha.Validate(); err != nil {
				panic(fmt.Sprintf("homeassistant validation failed: %v", err))
			}
			p.Statistics = ha
		case "memory":
			p.Statistics = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// validate checks that the metadata describes a sum statistic and that every
// point starts on a full hour.
func validate(meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if meta.StatisticID == "" {
		return fmt.Errorf("%w: missing statistic id", ErrInvalidStatistic)
	}
	if meta.Source == "" {
		return fmt.Errorf("%w: missing source for %s", ErrInvalidStatistic, meta.StatisticID)
	}
	if !meta.HasSum {
		return fmt.Errorf("%w: %s does not have a sum", ErrInvalidStatistic, meta.StatisticID)
	}
	for _, p := range points {
		if !p.Start.Equal(p.Start.Truncate(time.Hour)) {
			return fmt.Errorf("%w: %s point at %s is not hour aligned", ErrInvalidStatistic, meta.StatisticID, p.Start)
		}
	}
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

const (
	firestoreStatisticsCollection = "statistics"
	firestorePointsCollection     = "points"
)

// FirestoreProvider implements Statistics using Google Cloud Firestore. Each
// statistic is a document in the "statistics" collection holding its metadata
// and a "points" subcollection keyed by the RFC3339 start of each hour.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) statisticDoc(statisticID string) (*firestore.DocumentRef, error) {
	if statisticID == "" {
		return nil, errors.New("statisticID cannot be empty")
	}
	return f.client.Collection(firestoreStatisticsCollection).Doc(statisticID), nil
}

func pointDocID(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodePointDoc(ctx context.Context, doc *firestore.DocumentSnapshot) (types.StatisticPoint, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return types.StatisticPoint{}, fmt.Errorf("point document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.StatisticPoint{}, fmt.Errorf("point document %s 'json' field is not a string", doc.Ref.ID)
	}
	var p types.StatisticPoint
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal point json", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
		return types.StatisticPoint{}, fmt.Errorf("failed to unmarshal point json: %w", err)
	}
	return p, nil
}

// LastStatistics implements Statistics.
func (f *FirestoreProvider) LastStatistics(ctx context.Context, statisticID string, n int) ([]types.StatisticPoint, error) {
	doc, err := f.statisticDoc(statisticID)
	if err != nil {
		return nil, err
	}
	iter := doc.Collection(firestorePointsCollection).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(n).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate last points: %w", err)
		}
		p, err := decodePointDoc(ctx, snap)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// StatisticsDuringPeriod implements Statistics.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) StatisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, fields []types.StatisticField) ([]types.StatisticPoint, error) {
	doc, err := f.statisticDoc(statisticID)
	if err != nil {
		return nil, err
	}
	coll := doc.Collection(firestorePointsCollection)
	q := coll.Where(firestore.DocumentID, ">=", coll.Doc(pointDocID(start)))
	if !end.IsZero() {
		q = q.Where(firestore.DocumentID, "<", coll.Doc(pointDocID(end)))
	}
	iter := q.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate points: %w", err)
		}
		p, err := decodePointDoc(ctx, snap)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// GetMetadata implements Statistics.
func (f *FirestoreProvider) GetMetadata(ctx context.Context, statisticID string) (*types.StatisticMetadata, error) {
	ref, err := f.statisticDoc(statisticID)
	if err != nil {
		return nil, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch statistic doc: %w", err)
	}
	val, err := doc.DataAt("json")
	if err != nil {
		return nil, fmt.Errorf("statistic document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return nil, errors.New("statistic 'json' field is not a string")
	}
	var meta types.StatisticMetadata
	if err := json.Unmarshal([]byte(jsonStr), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata json: %w", err)
	}
	return &meta, nil
}

// AddExternalStatistics implements Statistics. The points are written with a
// BulkWriter; a point with an existing start overwrites the document.
func (f *FirestoreProvider) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if err := validate(meta, points); err != nil {
		return err
	}
	ref, err := f.statisticDoc(meta.StatisticID)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := ref.Set(ctx, map[string]interface{}{
		"json":    string(metaJSON),
		"updated": time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	if len(points) == 0 {
		return nil
	}

	coll := ref.Collection(firestorePointsCollection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(points))
	for _, p := range points {
		pointJSON, err := json.Marshal(p)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal point: %w", err)
		}
		job, err := bw.Set(coll.Doc(pointDocID(p.Start)), map[string]interface{}{
			"json":      string(pointJSON),
			"timestamp": p.Start,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue point: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to write %d of %d points: %w", len(errs), len(points), errors.Join(errs...))
	}
	log.Ctx(ctx).DebugContext(ctx, "wrote statistic points to firestore", slog.String("statisticID", meta.StatisticID), slog.Int("count", len(points)))
	return nil
}

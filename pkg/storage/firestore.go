package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Each weekday of each direction is one document holding the
// bands as a JSON string.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	siteID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	siteID := lflag.String("firestore-site-id", "default", "Site document the week schedules are stored under")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.siteID = *siteID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
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

func (f *FirestoreProvider) collection() *firestore.CollectionRef {
	return f.client.Collection("sites").Doc(f.siteID).Collection("week_schedules")
}

// parseDayKey is the inverse of dayKey.
func parseDayKey(id string) (types.Direction, int, bool) {
	dirStr, dayStr, ok := strings.Cut(id, "-")
	if !ok {
		return "", 0, false
	}
	dir, err := types.ParseDirection(dirStr)
	if err != nil {
		return "", 0, false
	}
	weekday, err := strconv.Atoi(dayStr)
	if err != nil || weekday < 0 || weekday >= len(types.WeekRecord{}.Import) {
		return "", 0, false
	}
	return dir, weekday, true
}

// GetWeekSchedules implements Database.
func (f *FirestoreProvider) GetWeekSchedules(ctx context.Context) (types.WeekRecord, error) {
	var week types.WeekRecord
	iter := f.collection().Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return week, nil
			}
			return week, fmt.Errorf("failed to iterate week schedules: %w", err)
		}
		dir, weekday, ok := parseDayKey(doc.Ref.ID)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "ignoring unknown week schedule doc", slog.String("id", doc.Ref.ID))
			continue
		}

		val, err := doc.DataAt("json")
		if err != nil {
			return week, fmt.Errorf("week schedule %s missing 'json' field: %w", doc.Ref.ID, err)
		}
		raw, ok := val.(string)
		if !ok {
			return week, fmt.Errorf("week schedule %s 'json' field is not a string", doc.Ref.ID)
		}
		bands, err := decodeDay(raw)
		if err != nil {
			return week, fmt.Errorf("%s: %w", doc.Ref.ID, err)
		}
		week.SetDay(dir, weekday, bands)
	}
	return week, nil
}

// SetWeekSchedules implements Database. Every weekday of both directions is
// written in one transaction.
func (f *FirestoreProvider) SetWeekSchedules(ctx context.Context, week types.WeekRecord) error {
	coll := f.collection()
	now := time.Now()
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, dir := range types.Directions {
			for weekday := range len(week.Import) {
				raw, err := encodeDay(week.Day(dir, weekday))
				if err != nil {
					return err
				}
				if err := tx.Set(coll.Doc(dayKey(dir, weekday)), map[string]interface{}{
					"json":      raw,
					"updatedAt": now,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save week schedules: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"encoder-gateway/pkg/models"
)

// Mongo is the durable Store, laid out as three collections (jobs,
// cluster_nodes, activity) in one database. ClaimJob maps to a single
// findOneAndUpdate filtered on the current status, which is what makes
// running several gateway replicas against the same database safe.
type Mongo struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	workers  *mongo.Collection
	activity *mongo.Collection
}

// NewMongo connects to the given URI and prepares the gateway collections.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	db := client.Database(database)
	m := &Mongo{
		client:   client,
		jobs:     db.Collection("jobs"),
		workers:  db.Collection("cluster_nodes"),
		activity: db.Collection("activity"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "assigned_to", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	_, err = m.workers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create worker index: %w", err)
	}
	_, err = m.activity.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "date", Value: -1}}},
		{Keys: bson.D{{Key: "assigned_to", Value: 1}, {Key: "date", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create activity indexes: %w", err)
	}
	return nil
}

func (m *Mongo) CreateJob(ctx context.Context, job models.Job) error {
	if _, err := m.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (m *Mongo) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := m.jobs.FindOne(ctx, bson.M{"id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &job, nil
}

func (m *Mongo) UpdateJob(ctx context.Context, job models.Job) error {
	res, err := m.jobs.ReplaceOne(ctx, bson.M{"id": job.ID}, job)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) ClaimJob(ctx context.Context, id, workerID string, now time.Time) (*models.Job, error) {
	// The status filter makes this a compare-and-set: under concurrent
	// claims exactly one caller matches, the rest see ErrNotQueued.
	var job models.Job
	err := m.jobs.FindOneAndUpdate(ctx,
		bson.M{"id": id, "status": models.JobQueued},
		bson.M{"$set": bson.M{
			"status":        models.JobAssigned,
			"assigned_to":   workerID,
			"assigned_date": now,
			"last_pinged":   now,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

func (m *Mongo) OldestQueued(ctx context.Context, limit int) ([]models.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return m.findJobs(ctx, bson.M{"status": models.JobQueued}, opts)
}

func (m *Mongo) ExpiredJobs(ctx context.Context, pingCutoff, pinCutoff time.Time) ([]models.Job, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{
			"status":      bson.M{"$in": bson.A{models.JobAssigned, models.JobRunning}},
			"last_pinged": bson.M{"$lt": pingCutoff},
		},
		bson.M{
			"status":     models.JobUploading,
			"pinning_at": bson.M{"$lt": pinCutoff},
		},
	}}
	return m.findJobs(ctx, filter, options.Find())
}

func (m *Mongo) UploadingJobs(ctx context.Context) ([]models.Job, error) {
	return m.findJobs(ctx, bson.M{"status": models.JobUploading}, options.Find())
}

func (m *Mongo) JobsByWorker(ctx context.Context, workerID string) ([]models.Job, error) {
	filter := bson.M{
		"assigned_to": workerID,
		"status": bson.M{"$in": bson.A{
			models.JobAssigned, models.JobRunning, models.JobUploading,
		}},
	}
	return m.findJobs(ctx, filter, options.Find())
}

func (m *Mongo) CountLoad(ctx context.Context, workerID string) (int, error) {
	count, err := m.jobs.CountDocuments(ctx, bson.M{
		"assigned_to": workerID,
		"status":      bson.M{"$in": bson.A{models.JobAssigned, models.JobRunning}},
	})
	if err != nil {
		return 0, fmt.Errorf("count load: %w", err)
	}
	return int(count), nil
}

func (m *Mongo) CompletedSince(ctx context.Context, workerID string, since time.Time) ([]models.Job, error) {
	filter := bson.M{
		"status":        models.JobComplete,
		"assigned_to":   workerID,
		"assigned_date": bson.M{"$gt": since},
		"completed_at":  bson.M{"$exists": true, "$ne": nil},
		"input.size":    bson.M{"$gt": 0},
	}
	return m.findJobs(ctx, filter, options.Find())
}

func (m *Mongo) CountByStatus(ctx context.Context, status models.JobStatus, since time.Time) (int64, error) {
	filter := bson.M{"status": status}
	if !since.IsZero() {
		if status == models.JobComplete {
			filter["completed_at"] = bson.M{"$gt": since}
		} else {
			filter["created_at"] = bson.M{"$gt": since}
		}
	}
	count, err := m.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

func (m *Mongo) findJobs(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Job, error) {
	cursor, err := m.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer cursor.Close(ctx)
	var jobs []models.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, nil
}

func (m *Mongo) UpsertWorker(ctx context.Context, id string, info models.NodeInfo, now time.Time) error {
	_, err := m.workers.UpdateOne(ctx,
		bson.M{"id": id},
		bson.M{
			"$set":         bson.M{"node_info": info, "last_seen": now},
			"$setOnInsert": bson.M{"id": id, "first_seen": now, "banned": false},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func (m *Mongo) GetWorker(ctx context.Context, id string) (*models.WorkerInfo, error) {
	var worker models.WorkerInfo
	err := m.workers.FindOne(ctx, bson.M{"id": id}).Decode(&worker)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find worker: %w", err)
	}
	return &worker, nil
}

func (m *Mongo) AppendActivity(ctx context.Context, rec models.ActivityRecord) error {
	if _, err := m.activity.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (m *Mongo) LastActivity(ctx context.Context, jobID string) (*models.ActivityRecord, error) {
	var rec models.ActivityRecord
	err := m.activity.FindOne(ctx,
		bson.M{"job_id": jobID},
		options.FindOne().SetSort(bson.D{{Key: "date", Value: -1}}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find last activity: %w", err)
	}
	return &rec, nil
}

func (m *Mongo) DistinctWorkers(ctx context.Context) ([]string, error) {
	values, err := m.activity.Distinct(ctx, "assigned_to", bson.M{"assigned_to": bson.M{"$ne": ""}})
	if err != nil {
		return nil, fmt.Errorf("distinct workers: %w", err)
	}
	return toStrings(values), nil
}

func (m *Mongo) DistinctJobs(ctx context.Context, workerID string, since time.Time) ([]string, error) {
	values, err := m.activity.Distinct(ctx, "job_id", bson.M{
		"assigned_to": workerID,
		"date":        bson.M{"$gt": since},
	})
	if err != nil {
		return nil, fmt.Errorf("distinct jobs: %w", err)
	}
	return toStrings(values), nil
}

func (m *Mongo) DistinctReassigned(ctx context.Context, workerID string, since time.Time) ([]string, error) {
	values, err := m.activity.Distinct(ctx, "job_id", bson.M{
		"assigned_to": workerID,
		"date":        bson.M{"$gt": since},
		"status":      models.JobQueued,
		"previous_status": bson.M{"$in": bson.A{
			models.JobAssigned, models.JobRunning, models.JobUploading,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("distinct reassigned: %w", err)
	}
	return toStrings(values), nil
}

func toStrings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ Store = (*Mongo)(nil)

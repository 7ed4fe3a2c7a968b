package rundao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/gox/slicex"
)

const latest = "latest"

// TableName derives the runs table name for an environment.
func TableName(env string) string {
	return fmt.Sprintf("vm-deployer-runs-%s", env)
}

// PK represents a DynamoDB partition key in format {repo}/{env}
// Example: gpu-lab/dev
type PK string

// NewPK creates a new partition key from repo and env
func NewPK(repo, env string) PK {
	return PK(fmt.Sprintf("%s/%s", repo, env))
}

// ParsePK parses a partition key into its repo and env components
func ParsePK(pk PK) (repo, env string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {repo}/{env}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation of the partition key
func (pk PK) String() string {
	return string(pk)
}

// ID represents a run ID in format {repo}/{env}:{ksuid}
type ID string

func (id ID) String() string {
	return string(id)
}

// ParseID parses a run ID into its partition key (pk) and sort key (sk) components
func ParseID(id ID) (pk PK, sk string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid run ID format: %s, expected {repo}/{env}:{ksuid}", s)
	}
	return PK(parts[0]), parts[1], nil
}

// NewID constructs an ID from partition key and sort key
func NewID(pk PK, sk string) ID {
	return ID(fmt.Sprintf("%s:%s", pk, sk))
}

// Status represents the current status of a deployment run
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Record represents a deployment run in DynamoDB
type Record struct {
	PK            PK     `ddb:"hash" dynamodbav:"pk"`  // {repo}/{env}
	SK            string `ddb:"range" dynamodbav:"sk"` // KSUID run ID
	ID            ID     `dynamodbav:"id,omitempty"`   // only used for latest entries
	Repo          string `dynamodbav:"repo,omitempty"`
	Env           string `dynamodbav:"env,omitempty"`
	CloneURL      string `dynamodbav:"clone_url,omitempty"`
	Branch        string `dynamodbav:"branch,omitempty"`
	Commit        string `dynamodbav:"commit,omitempty"`
	Status        Status `dynamodbav:"status,omitempty"`
	ServerName    string `dynamodbav:"server_name,omitempty"`
	ResourceGroup string `dynamodbav:"resource_group,omitempty"`
	TranscriptKey string `dynamodbav:"transcript_key,omitempty"` // S3 key of the uploaded transcript
	ErrorMsg      *string `dynamodbav:"error_msg,omitempty"`
	CreatedAt     int64  `dynamodbav:"created_at,omitempty"`
	FinishedAt    *int64 `dynamodbav:"finished_at,omitempty"`
	UpdatedAt     int64  `dynamodbav:"updated_at,omitempty"`
}

// GetID returns the full run ID in format: {repo}/{env}:{ksuid}
func (r *Record) GetID() ID {
	if r.ID != "" {
		return r.ID
	}
	return NewID(r.PK, r.SK)
}

// GetID is a package-level helper for slicex mapping
func GetID(r Record) ID {
	return r.GetID()
}

// CreateInput contains the fields needed to create a new run record
type CreateInput struct {
	Repo          string
	Env           string
	SK            string // KSUID sort key
	CloneURL      string
	Branch        string
	Commit        string
	ServerName    string
	ResourceGroup string
}

// UpdateInput contains the fields that can be updated on a run record
type UpdateInput struct {
	PK            PK
	SK            string
	Status        *Status
	ErrorMsg      *string
	TranscriptKey *string
}

// DAO provides data access operations for run records
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
	}
}

// Create creates a new run record with initial status PENDING
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	pk := NewPK(input.Repo, input.Env)
	now := time.Now().Unix()

	record := Record{
		PK:            pk,
		SK:            input.SK,
		Repo:          input.Repo,
		Env:           input.Env,
		CloneURL:      input.CloneURL,
		Branch:        input.Branch,
		Commit:        input.Commit,
		Status:        StatusPending,
		ServerName:    input.ServerName,
		ResourceGroup: input.ResourceGroup,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := d.table.Put(&record).RunWithContext(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create run record: %w", err)
	}

	return record, nil
}

// Find retrieves a run record by ID
// Returns an error if not found or if there's a database error
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	pk, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record

	err = d.table.Get(pk.String()).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("run record not found: %s", id)
		}
		return Record{}, fmt.Errorf("failed to find run record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("run record not found: %s", id)
	}

	return record, nil
}

// Delete removes a run record by ID
func (d *DAO) Delete(ctx context.Context, id ID) error {
	pk, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(pk).
		Range(sk).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete run record: %w", err)
	}

	return nil
}

// Start updates a run record to IN_PROGRESS status
func (d *DAO) Start(ctx context.Context, pk PK, sk string) error {
	status := StatusInProgress
	return d.UpdateStatus(ctx, UpdateInput{PK: pk, SK: sk, Status: &status})
}

// UpdateStatus updates the status of a run record and creates/updates a
// "latest" magic record. The latest record has pk=latest/{env} and
// sk={original pk} to enable efficient queries for latest runs.
func (d *DAO) UpdateStatus(ctx context.Context, input UpdateInput) error {
	if input.Status == nil {
		return fmt.Errorf("status is required")
	}

	now := time.Now().Unix()

	update := d.table.Update(input.PK).
		Range(input.SK).
		Set("#Status = ?", string(*input.Status)).
		Set("#UpdatedAt = ?", now)

	// FinishedAt only for terminal states
	if *input.Status == StatusSuccess || *input.Status == StatusFailed {
		update = update.Set("#FinishedAt = ?", now)
	}

	if input.ErrorMsg != nil {
		update = update.Set("#ErrorMsg = ?", *input.ErrorMsg)
	}

	if input.TranscriptKey != nil {
		update = update.Set("#TranscriptKey = ?", *input.TranscriptKey)
	}

	repo, env, err := ParsePK(input.PK)
	if err != nil {
		return fmt.Errorf("failed to parse PK: %w", err)
	}

	latestRecord := &Record{
		PK:        NewPK(latest, env),
		SK:        input.PK.String(),
		ID:        NewID(input.PK, input.SK),
		Repo:      repo,
		Env:       env,
		Status:    *input.Status,
		UpdatedAt: now,
	}

	put := d.table.Put(latestRecord)

	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, put); err != nil {
		return err
	}

	return nil
}

// Query returns all runs for a given repo/env partition key
func (d *DAO) Query(ctx context.Context, pk PK) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", pk.String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	return records, nil
}

// QueryByRepoEnv returns all runs for a given repository and environment
func (d *DAO) QueryByRepoEnv(ctx context.Context, repo, env string) ([]Record, error) {
	pk := NewPK(repo, env)
	return d.Query(ctx, pk)
}

// QueryPending returns the pending runs for a repository, oldest first.
// KSUIDs sort chronologically so the natural SK order is creation order.
func (d *DAO) QueryPending(ctx context.Context, repo, env string) ([]Record, error) {
	records, err := d.QueryByRepoEnv(ctx, repo, env)
	if err != nil {
		return nil, err
	}

	pending := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// QueryLatest returns the latest run for each repo in the given environment
// using the "latest" magic records
func (d *DAO) QueryLatest(ctx context.Context, env string) ([]Record, error) {
	pk := NewPK(latest, env)
	var records []Record

	err := d.table.Query("#PK = ?", pk).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}

	// Most recently updated first
	for i := 0; i < len(records)-1; i++ {
		for j := i + 1; j < len(records); j++ {
			if records[j].UpdatedAt > records[i].UpdatedAt {
				records[i], records[j] = records[j], records[i]
			}
		}
	}

	ids := slicex.Map(records, GetID)

	runs := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := d.Find(ctx, id)
		if err != nil {
			// Skip records that have since been deleted
			continue
		}
		runs = append(runs, record)
	}

	return runs, nil
}

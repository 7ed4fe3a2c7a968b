package lockdao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
)

const (
	lockSK       = "LOCK"
	lockTTLHours = 4 // Auto-expire locks after 4 hours
)

// TableName derives the locks table name for an environment.
func TableName(env string) string {
	return fmt.Sprintf("vm-deployer-locks-%s", env)
}

// PK represents the partition key: {ResourceGroup}/{ServerName}
type PK string

// NewPK creates a partition key from resource group and server name
func NewPK(resourceGroup, serverName string) PK {
	return PK(fmt.Sprintf("%s/%s", resourceGroup, serverName))
}

// ParsePK parses a partition key into resource group and server components
func ParsePK(pk PK) (resourceGroup, serverName string, err error) {
	s := string(pk)
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {resourceGroup}/{serverName}", s)
	}
	return parts[0], parts[1], nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// ID represents a lock ID in format {resourceGroup}/{serverName}:LOCK
// Example: RhodriGpu/githubactions:LOCK
type ID string

// NewID creates an ID from resource group and server name
func NewID(resourceGroup, serverName string) ID {
	pk := NewPK(resourceGroup, serverName)
	return ID(fmt.Sprintf("%s:%s", pk, lockSK))
}

// ParseID parses an ID into resource group and server components
func ParseID(id ID) (resourceGroup, serverName string, err error) {
	s := string(id)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid ID format: %s, expected {resourceGroup}/{serverName}:LOCK", s)
	}

	if parts[1] != lockSK {
		return "", "", fmt.Errorf("invalid ID format: %s, expected SK to be 'LOCK', got '%s'", s, parts[1])
	}

	pkParts := strings.Split(parts[0], "/")
	if len(pkParts) != 2 {
		return "", "", fmt.Errorf("invalid PK in ID: %s, expected {resourceGroup}/{serverName}", parts[0])
	}

	return pkParts[0], pkParts[1], nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// Record represents a deployment lock
type Record struct {
	PK         PK     `ddb:"hash" dynamodbav:"pk"`  // {ResourceGroup}/{ServerName}
	SK         string `ddb:"range" dynamodbav:"sk"` // Always "LOCK"
	RunID      string `dynamodbav:"run_id"`      // KSUID of the run holding the lock
	Repo       string `dynamodbav:"repo"`        // Repository that triggered the holding run
	AcquiredAt int64  `dynamodbav:"acquired_at"` // Unix timestamp when lock was acquired
	TTL        int64  `dynamodbav:"ttl"`         // Unix timestamp for DynamoDB TTL expiry
}

// GetID returns the ID for this record
func (r *Record) GetID() ID {
	resourceGroup, serverName, _ := ParsePK(r.PK)
	return NewID(resourceGroup, serverName)
}

// AcquireInput contains fields for acquiring a deployment lock
type AcquireInput struct {
	ResourceGroup string
	ServerName    string
	RunID         string // Run KSUID
	Repo          string
}

// ReleaseInput contains fields for releasing a deployment lock
type ReleaseInput struct {
	ID    ID
	RunID string // Run KSUID (must match lock holder)
}

// DAO provides data access operations for deployment locks
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

// Acquire attempts to acquire a deployment lock
// Returns the lock record if acquired, false if already held by another run
func (d *DAO) Acquire(ctx context.Context, input AcquireInput) (*Record, bool, error) {
	id := NewID(input.ResourceGroup, input.ServerName)

	existing, err := d.Find(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing lock: %w", err)
	}

	if existing != nil {
		if existing.RunID == input.RunID {
			// Same run already holds the lock (retry scenario)
			return existing, true, nil
		}
		return nil, false, nil
	}

	now := time.Now().Unix()
	ttl := now + (lockTTLHours * 3600)

	pk := NewPK(input.ResourceGroup, input.ServerName)
	record := &Record{
		PK:         pk,
		SK:         lockSK,
		RunID:      input.RunID,
		Repo:       input.Repo,
		AcquiredAt: now,
		TTL:        ttl,
	}

	err = d.table.Put(record).RunWithContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create lock: %w", err)
	}

	return record, true, nil
}

// Find retrieves a lock record by ID
// Returns nil if not found
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	resourceGroup, serverName, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	pk := NewPK(resourceGroup, serverName)
	var record Record

	err = d.table.Get(pk.String()).
		Range(lockSK).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, nil
	}

	return &record, nil
}

// Release releases a deployment lock
// Only succeeds if the lock is held by the specified run
func (d *DAO) Release(ctx context.Context, input ReleaseInput) error {
	resourceGroup, serverName, err := ParseID(input.ID)
	if err != nil {
		return err
	}

	existing, err := d.Find(ctx, input.ID)
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}

	if existing == nil {
		// Already released or expired
		return nil
	}

	if existing.RunID != input.RunID {
		return fmt.Errorf("lock not held by run %s (held by %s)", input.RunID, existing.RunID)
	}

	pk := NewPK(resourceGroup, serverName)
	err = d.table.Delete(pk.String()).
		Range(lockSK).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	return nil
}

// Delete removes a lock record regardless of holder. For cleanup and
// recovery only.
func (d *DAO) Delete(ctx context.Context, id ID) error {
	resourceGroup, serverName, err := ParseID(id)
	if err != nil {
		return err
	}

	pk := NewPK(resourceGroup, serverName)

	err = d.table.Delete(pk.String()).
		Range(lockSK).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	return nil
}

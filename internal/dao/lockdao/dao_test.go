package lockdao

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ddb/v2/ddbtest"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
)

type Data struct {
	DAO *DAO
}

func setup(t *testing.T) (ctx context.Context, data Data, cleanup func()) {
	ctx = context.Background()

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-west-2"),
		config.WithBaseEndpoint("http://localhost:8000"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("blah", "blah", ""),
		),
	)
	assert.NoError(t, err)

	var (
		client    = dynamodb.NewFromConfig(cfg)
		db        = ddb.New(client)
		tableName = fmt.Sprintf("locks-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	err = table.CreateTableIfNotExists(ctx)
	assert.NoError(t, err)

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}

func TestParseID(t *testing.T) {
	resourceGroup, serverName, err := ParseID(NewID("RhodriGpu", "githubactions"))
	assert.NoError(t, err)
	assert.Equal(t, "RhodriGpu", resourceGroup)
	assert.Equal(t, "githubactions", serverName)

	_, _, err = ParseID("RhodriGpu/githubactions")
	assert.Error(t, err)

	_, _, err = ParseID("RhodriGpu/githubactions:OTHER")
	assert.Error(t, err)
}

func TestDAO(t *testing.T) {
	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		t.Run("Acquire_Success", func(t *testing.T) {
			runID := ksuid.New().String()

			record, acquired, err := dao.Acquire(ctx, AcquireInput{
				ResourceGroup: "RhodriGpu",
				ServerName:    "acquire-server",
				RunID:         runID,
				Repo:          "gpu-lab",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)
			assert.NotNil(t, record)

			id := NewID("RhodriGpu", "acquire-server")

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.NotNil(t, lock)
			assert.Equal(t, runID, lock.RunID)
			assert.Equal(t, "gpu-lab", lock.Repo)
			assert.Equal(t, "RhodriGpu/acquire-server:LOCK", lock.GetID().String())
			assert.NotZero(t, lock.AcquiredAt)
			assert.Greater(t, lock.TTL, lock.AcquiredAt)
		})

		t.Run("Acquire_Conflict", func(t *testing.T) {
			runID1 := ksuid.New().String()
			runID2 := ksuid.New().String()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				ResourceGroup: "RhodriGpu",
				ServerName:    "conflict-server",
				RunID:         runID1,
				Repo:          "gpu-lab",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			// A second concurrent run must not get the lock
			record, acquired, err := dao.Acquire(ctx, AcquireInput{
				ResourceGroup: "RhodriGpu",
				ServerName:    "conflict-server",
				RunID:         runID2,
				Repo:          "gpu-lab",
			})
			assert.NoError(t, err)
			assert.False(t, acquired)
			assert.Nil(t, record)
		})

		t.Run("Acquire_SameRunIsIdempotent", func(t *testing.T) {
			runID := ksuid.New().String()

			input := AcquireInput{
				ResourceGroup: "RhodriGpu",
				ServerName:    "retry-server",
				RunID:         runID,
				Repo:          "gpu-lab",
			}
			_, acquired, err := dao.Acquire(ctx, input)
			assert.NoError(t, err)
			assert.True(t, acquired)

			_, acquired, err = dao.Acquire(ctx, input)
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Release", func(t *testing.T) {
			runID := ksuid.New().String()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				ResourceGroup: "RhodriGpu",
				ServerName:    "release-server",
				RunID:         runID,
				Repo:          "gpu-lab",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			id := NewID("RhodriGpu", "release-server")

			// Wrong holder cannot release
			err = dao.Release(ctx, ReleaseInput{ID: id, RunID: ksuid.New().String()})
			assert.Error(t, err)

			err = dao.Release(ctx, ReleaseInput{ID: id, RunID: runID})
			assert.NoError(t, err)

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)

			// Releasing an absent lock is a no-op
			err = dao.Release(ctx, ReleaseInput{ID: id, RunID: runID})
			assert.NoError(t, err)
		})

		t.Run("Delete", func(t *testing.T) {
			runID := ksuid.New().String()

			_, acquired, err := dao.Acquire(ctx, AcquireInput{
				ResourceGroup: "RhodriGpu",
				ServerName:    "delete-server",
				RunID:         runID,
				Repo:          "gpu-lab",
			})
			assert.NoError(t, err)
			assert.True(t, acquired)

			id := NewID("RhodriGpu", "delete-server")
			assert.NoError(t, dao.Delete(ctx, id))

			lock, err := dao.Find(ctx, id)
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})
	})
}

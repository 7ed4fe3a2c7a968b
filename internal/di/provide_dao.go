package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rhodri/vm-deployer/internal/dao/lockdao"
	"github.com/rhodri/vm-deployer/internal/dao/rundao"
)

func ProvideRunDAO(env string, client *dynamodb.Client) *rundao.DAO {
	return rundao.New(client, rundao.TableName(env))
}

func ProvideLockDAO(env string, client *dynamodb.Client) *lockdao.DAO {
	return lockdao.New(client, lockdao.TableName(env))
}

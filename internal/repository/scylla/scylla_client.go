package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	maxRetries int
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	consistency, err := gocql.ParseConsistencyWrapper(scyllaConfig.Consistency)
	if err != nil {
		return nil, fmt.Errorf("invalid scylla consistency %q: %w", scyllaConfig.Consistency, err)
	}

	cluster := newCluster(scyllaConfig, consistency)

	if scyllaConfig.EnsureSchema {
		if err := ensureKeyspace(cluster, scyllaConfig); err != nil {
			return nil, err
		}
	}

	cluster.Keyspace = scyllaConfig.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		maxRetries: scyllaConfig.MaxRetries,
	}

	if scyllaConfig.EnsureSchema {
		if err := client.ensureTables(); err != nil {
			session.Close()
			return nil, err
		}
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newCluster(c config.ScyllaConfig, consistency gocql.Consistency) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(c.Hosts...)
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = c.Timeout
	cluster.ConnectTimeout = c.Timeout
	cluster.NumConns = c.NumConns
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: c.MaxRetries,
	}
	if c.LocalDC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(c.LocalDC))
	}
	if c.Username != "" && c.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: c.Username,
			Password: c.Password,
		}
	}
	return cluster
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// cqlRunner is what the repositories issue statements through.
type cqlRunner interface {
	ExecuteWithRetry(ctx context.Context, stmt string, values ...interface{}) error
	ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, error)
	Scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error
	Iter(ctx context.Context, stmt string, values ...interface{}) *gocql.Iter
}

var _ cqlRunner = (*ScyllaClient)(nil)

// ExecuteWithRetry runs an idempotent write, backing off between attempts.
// Lightweight transactions go through ExecCAS instead and are never retried
// here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, stmt string, values ...interface{}) error {
	var lastErr error
	for i := 0; i <= s.maxRetries; i++ {
		err := s.Session.Query(stmt, values...).WithContext(ctx).Idempotent(true).Exec()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < s.maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// ExecCAS runs a conditional statement (IF ...) and reports whether it applied.
func (s *ScyllaClient) ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, error) {
	q := s.Session.Query(stmt, values...).WithContext(ctx).SerialConsistency(gocql.LocalSerial)
	return q.MapScanCAS(map[string]interface{}{})
}

func (s *ScyllaClient) Scan(ctx context.Context, stmt string, values []interface{}, dest ...interface{}) error {
	return s.Session.Query(stmt, values...).WithContext(ctx).Scan(dest...)
}

func (s *ScyllaClient) Iter(ctx context.Context, stmt string, values ...interface{}) *gocql.Iter {
	return s.Session.Query(stmt, values...).WithContext(ctx).Iter()
}

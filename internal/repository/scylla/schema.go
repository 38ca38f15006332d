package scylla

import (
	"fmt"

	"github.com/gocql/gocql"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

var tables = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id text PRIMARY KEY,
		phone_hash text,
		phone_encrypted text,
		phone_dek text,
		phone_key_id text,
		email text,
		display_name text,
		password_hash text,
		phone_verified_at timestamp,
		is_blocked boolean,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS accounts_by_phone (
		phone_hash text PRIMARY KEY,
		account_id text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS category_subscriptions (
		account_id text,
		category text,
		subscription_id text,
		status text,
		billing_cycle text,
		price_minor bigint,
		currency text,
		started_at timestamp,
		expires_at timestamp,
		payment_id text,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((account_id), category)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions_by_id (
		subscription_id text PRIMARY KEY,
		account_id text,
		category text
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		payment_id text PRIMARY KEY,
		reference text,
		subscription_id text,
		account_id text,
		category text,
		billing_cycle text,
		amount_minor bigint,
		currency text,
		status text,
		redirect_url text,
		failure_reason text,
		created_at timestamp,
		confirmed_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS payments_by_reference (
		reference text PRIMARY KEY,
		payment_id text
	)`,
	`CREATE TABLE IF NOT EXISTS active_category_selection (
		account_id text PRIMARY KEY,
		category text,
		subscription_id text,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS subscription_deadlines (
		bucket int,
		kind text,
		deadline timestamp,
		account_id text,
		category text,
		subscription_id text,
		PRIMARY KEY ((bucket, kind), deadline, account_id, category)
	) WITH CLUSTERING ORDER BY (deadline ASC, account_id ASC, category ASC)`,
}

func ensureKeyspace(cluster *gocql.ClusterConfig, c config.ScyllaConfig) error {
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("failed to create bootstrap session: %w", err)
	}
	defer session.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		c.Keyspace, c.ReplicationRF)
	if c.LocalDC != "" {
		stmt = fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'NetworkTopologyStrategy', '%s': %d}`,
			c.Keyspace, c.LocalDC, c.ReplicationRF)
	}
	if err := session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", c.Keyspace, err)
	}
	return nil
}

func (s *ScyllaClient) ensureTables() error {
	for _, stmt := range tables {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", util.Int("tables", len(tables)))
	return nil
}

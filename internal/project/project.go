package project

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pgbranch/internal/config"
	"pgbranch/internal/controlplane"
	"pgbranch/internal/db"
	"pgbranch/internal/meta"
	"pgbranch/internal/provision"
)

// ErrNoConnectionString is returned when neither an argument nor
// database.url names a database
var ErrNoConnectionString = errors.New("no connection string given and database.url is not set")

// Manager coordinates branch provisioning, schema migration and the
// provisioning history for one control-plane project
type Manager struct {
	cfg      *config.Config
	prov     *provision.Provisioner
	migrator *db.Migrator
	checker  *db.Checker
	store    meta.Store
}

// ProvisionInfo is the result of a provisioning run plus what happened after it
type ProvisionInfo struct {
	provision.Result
	Migrated bool
}

// NewManager creates a manager from already constructed parts. A nil opener
// uses db.DefaultOpener.
func NewManager(cfg *config.Config, prov *provision.Provisioner, store meta.Store, open db.Opener) *Manager {
	return &Manager{
		cfg:      cfg,
		prov:     prov,
		migrator: db.NewMigrator(open),
		checker:  db.NewChecker(open),
		store:    store,
	}
}

// New wires the control-plane client and poller described by cfg
func New(cfg *config.Config, store meta.Store) *Manager {
	client := controlplane.NewClient(&cfg.ControlPlane, nil)
	poller := controlplane.NewPoller(client, &cfg.Poller)
	prov := provision.NewProvisioner(client, poller, cfg.Force)
	return NewManager(cfg, prov, store, nil)
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// ListBranches returns every branch in the project
func (m *Manager) ListBranches(ctx context.Context) ([]controlplane.Branch, error) {
	return m.prov.ListBranches(ctx)
}

// Provision reuses, replaces or creates the named branch and optionally
// applies the bootstrap schema to it. Every run is recorded in the history
// store, including failed ones.
func (m *Manager) Provision(ctx context.Context, name string, force, migrate bool) (*ProvisionInfo, error) {
	res, err := m.prov.Provision(ctx, name, force)
	if err != nil {
		m.record(ctx, &meta.Record{BranchName: name, Outcome: meta.OutcomeFailed, Error: err.Error()})
		return nil, err
	}

	m.record(ctx, &meta.Record{BranchName: name, BranchID: res.BranchID, Outcome: string(res.Outcome)})

	info := &ProvisionInfo{Result: *res}
	if migrate {
		if err := m.migrator.Apply(ctx, res.ConnectionString); err != nil {
			return info, fmt.Errorf("branch %s provisioned but migration failed: %w", name, err)
		}
		info.Migrated = true
	}

	return info, nil
}

func (m *Manager) record(ctx context.Context, rec *meta.Record) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordProvision(ctx, rec); err != nil {
		log.Printf("ERROR [history]: %v", err)
	}
}

// DeleteBranch deletes a non-primary branch by name
func (m *Manager) DeleteBranch(ctx context.Context, name string) error {
	return m.prov.DeleteBranch(ctx, name)
}

// Migrate applies the bootstrap schema to connString, or to database.url
// when connString is empty
func (m *Manager) Migrate(ctx context.Context, connString string) error {
	target, err := m.target(connString)
	if err != nil {
		return err
	}
	return m.migrator.Apply(ctx, target)
}

// CheckSchema reports connectivity and schema completeness for connString,
// or for database.url when connString is empty
func (m *Manager) CheckSchema(ctx context.Context, connString string) *db.SchemaStatus {
	target, err := m.target(connString)
	if err != nil {
		return &db.SchemaStatus{Error: err.Error()}
	}
	return m.checker.Check(ctx, target)
}

func (m *Manager) target(connString string) (string, error) {
	if connString != "" {
		return connString, nil
	}
	if m.cfg.Database.URL != "" {
		return m.cfg.Database.URL, nil
	}
	return "", ErrNoConnectionString
}

// OpenGateway opens a query gateway on database.url in the configured mode
func (m *Manager) OpenGateway(ctx context.Context) (*db.Gateway, error) {
	target, err := m.target("")
	if err != nil {
		return nil, err
	}
	mode, err := db.ParseMode(m.cfg.Database.Mode)
	if err != nil {
		return nil, err
	}
	return db.NewGateway(ctx, target, mode, m.cfg.Database.MaxConns)
}

// History returns provisioning records, newest first. A non-empty branch
// filters to that branch; limit <= 0 means no limit.
func (m *Manager) History(ctx context.Context, branch string, limit int) ([]meta.Record, error) {
	if m.store == nil {
		return nil, nil
	}
	if branch != "" {
		records, err := m.store.ListProvisionsForBranch(ctx, branch)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}
		return records, nil
	}
	return m.store.ListProvisions(ctx, limit)
}

// PruneHistory deletes history records older than olderThan
func (m *Manager) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if m.store == nil {
		return 0, nil
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("prune age must be positive")
	}
	return m.store.PruneOlderThan(ctx, olderThan)
}

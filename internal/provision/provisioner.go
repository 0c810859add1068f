package provision

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode"

	"pgbranch/internal/controlplane"
)

// ControlPlane is the subset of the control-plane client the provisioner needs
type ControlPlane interface {
	ListBranches(ctx context.Context) ([]controlplane.Branch, error)
	CreateBranch(ctx context.Context, name, parentID string) (*controlplane.BranchMutation, error)
	DeleteBranch(ctx context.Context, branchID string) (*controlplane.BranchMutation, error)
	ListDatabases(ctx context.Context, branchID string) ([]controlplane.Database, error)
	ListRoles(ctx context.Context, branchID string) ([]controlplane.Role, error)
	GetConnectionURI(ctx context.Context, branchID, database, role string) (string, error)
}

// OperationWaiter blocks until an operation is terminal
type OperationWaiter interface {
	WaitForOperation(ctx context.Context, operationID string) error
}

// Provisioner drives branch resolution, creation and connection lookup.
// It holds no per-call state, so one value can serve concurrent callers.
type Provisioner struct {
	cp     ControlPlane
	waiter OperationWaiter
	force  bool
}

// Resolution is what the resolver learned from one branch listing
type Resolution struct {
	Existing  *controlplane.Branch
	PrimaryID string
}

// NewProvisioner creates a provisioner. With force set, an existing branch of
// the requested name is deleted and recreated instead of reused.
func NewProvisioner(cp ControlPlane, waiter OperationWaiter, force bool) *Provisioner {
	return &Provisioner{cp: cp, waiter: waiter, force: force}
}

// WithForce returns a copy of the provisioner with the force flag replaced
func (p *Provisioner) WithForce(force bool) *Provisioner {
	clone := *p
	clone.force = force
	return &clone
}

// ValidateBranchName checks a branch name before any remote call is made
func ValidateBranchName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidBranchName)
	}
	if len(name) > 256 {
		return fmt.Errorf("%w: must be at most 256 characters", ErrInvalidBranchName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: must not contain control characters", ErrInvalidBranchName)
		}
	}
	return nil
}

// Resolve lists branches once and returns the primary branch id along with
// the first branch named name, if any
func (p *Provisioner) Resolve(ctx context.Context, name string) (*Resolution, error) {
	branches, err := p.cp.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	res := &Resolution{}
	for i := range branches {
		if branches[i].Primary && res.PrimaryID == "" {
			res.PrimaryID = branches[i].ID
		}
		if branches[i].Name == name && res.Existing == nil {
			res.Existing = &branches[i]
		}
	}

	if res.PrimaryID == "" {
		return nil, ErrNoPrimaryBranch
	}

	return res, nil
}

// DestroyExisting deletes branch when force is set and returns "". Without
// force it returns the branch id untouched so the caller can reuse it.
func (p *Provisioner) DestroyExisting(ctx context.Context, branch *controlplane.Branch) (string, error) {
	if !p.force {
		return branch.ID, nil
	}
	if branch.Primary {
		return "", ErrPrimaryBranch
	}

	if _, err := p.cp.DeleteBranch(ctx, branch.ID); err != nil {
		return "", fmt.Errorf("failed to delete branch %s: %w", branch.ID, err)
	}
	log.Printf("deleted existing branch %s (%s)", branch.Name, branch.ID)

	return "", nil
}

// CreateWithEndpoint creates a branch under parentID with a read-write
// endpoint, then waits for each returned operation in order. The first
// failed operation aborts the rest.
func (p *Provisioner) CreateWithEndpoint(ctx context.Context, name, parentID string) (string, error) {
	mutation, err := p.cp.CreateBranch(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to create branch %s: %w", name, err)
	}

	for _, op := range mutation.Operations {
		if err := p.waiter.WaitForOperation(ctx, op.ID); err != nil {
			return "", fmt.Errorf("branch %s: %w", name, err)
		}
	}

	return mutation.Branch.ID, nil
}

// GetConnectionString resolves the default database and role of a branch
// (the first of each, in listing order) and asks for their connection uri
func (p *Provisioner) GetConnectionString(ctx context.Context, branchID string) (string, error) {
	databases, err := p.cp.ListDatabases(ctx, branchID)
	if err != nil {
		return "", fmt.Errorf("failed to list databases: %w", err)
	}
	if len(databases) == 0 {
		return "", ErrNoDatabases
	}
	database := databases[0].Name

	roles, err := p.cp.ListRoles(ctx, branchID)
	if err != nil {
		return "", fmt.Errorf("failed to list roles: %w", err)
	}
	if len(roles) == 0 {
		return "", ErrNoRoles
	}
	role := roles[0].Name

	uri, err := p.cp.GetConnectionURI(ctx, branchID, database, role)
	if err != nil {
		return "", fmt.Errorf("failed to get connection uri: %w", err)
	}
	if uri == "" {
		return "", ErrEmptyConnectionURI
	}

	return uri, nil
}

// ListBranches returns every branch in the project
func (p *Provisioner) ListBranches(ctx context.Context) ([]controlplane.Branch, error) {
	branches, err := p.cp.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	return branches, nil
}

// DeleteBranch deletes the branch with the given name and waits for the
// deletion to finish. The primary branch is never deleted.
func (p *Provisioner) DeleteBranch(ctx context.Context, name string) error {
	res, err := p.Resolve(ctx, name)
	if err != nil {
		return err
	}
	if res.Existing == nil {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	if res.Existing.Primary {
		return ErrPrimaryBranch
	}

	mutation, err := p.cp.DeleteBranch(ctx, res.Existing.ID)
	if err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	for _, op := range mutation.Operations {
		if err := p.waiter.WaitForOperation(ctx, op.ID); err != nil {
			return fmt.Errorf("branch %s: %w", name, err)
		}
	}

	return nil
}

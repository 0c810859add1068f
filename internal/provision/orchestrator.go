package provision

import (
	"context"
	"log"
)

// Outcome is the end state a provisioning run settled in
type Outcome string

const (
	OutcomeReused   Outcome = "reused"
	OutcomeReplaced Outcome = "replaced"
	OutcomeCreated  Outcome = "created"
)

// Result describes a finished provisioning run
type Result struct {
	BranchName       string
	BranchID         string
	ConnectionString string
	Outcome          Outcome
}

// CreateBranch resolves, reuses or replaces, creates if needed, and returns
// the connection string of the resulting branch
func (p *Provisioner) CreateBranch(ctx context.Context, name string) (string, error) {
	res, err := p.run(ctx, name)
	if err != nil {
		return "", err
	}
	return res.ConnectionString, nil
}

// Provision runs CreateBranch with an explicit force flag and reports which
// end state was reached
func (p *Provisioner) Provision(ctx context.Context, name string, force bool) (*Result, error) {
	return p.WithForce(force).run(ctx, name)
}

func (p *Provisioner) run(ctx context.Context, name string) (*Result, error) {
	if err := ValidateBranchName(name); err != nil {
		return nil, &StageError{Stage: StageResolve, Err: err}
	}

	resolution, err := p.Resolve(ctx, name)
	if err != nil {
		return nil, &StageError{Stage: StageResolve, Err: err}
	}

	result := &Result{BranchName: name, Outcome: OutcomeCreated}

	if resolution.Existing != nil {
		branchID, err := p.DestroyExisting(ctx, resolution.Existing)
		if err != nil {
			return nil, &StageError{Stage: StageDestroy, Err: err}
		}
		if branchID != "" {
			result.BranchID = branchID
			result.Outcome = OutcomeReused
		} else {
			result.Outcome = OutcomeReplaced
		}
	}

	if result.BranchID == "" {
		branchID, err := p.CreateWithEndpoint(ctx, name, resolution.PrimaryID)
		if err != nil {
			return nil, &StageError{Stage: StageCreate, Err: err}
		}
		result.BranchID = branchID
	}

	uri, err := p.GetConnectionString(ctx, result.BranchID)
	if err != nil {
		return nil, &StageError{Stage: StageConnect, Err: err}
	}
	result.ConnectionString = uri

	log.Printf("branch %s (%s) %s", name, result.BranchID, result.Outcome)
	return result, nil
}

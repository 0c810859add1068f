package controlplane

import "time"

// OperationStatus is the lifecycle state of an asynchronous control-plane task
type OperationStatus string

const (
	OperationScheduling OperationStatus = "scheduling"
	OperationRunning    OperationStatus = "running"
	OperationFinished   OperationStatus = "finished"
	OperationFailed     OperationStatus = "failed"
)

// Branch is a copy-on-write database environment
type Branch struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	Primary   bool      `json:"primary"`
	CreatedAt time.Time `json:"created_at"`
}

// Operation is an asynchronous server-side task
type Operation struct {
	ID       string          `json:"id"`
	BranchID string          `json:"branch_id,omitempty"`
	Action   string          `json:"action"`
	Status   OperationStatus `json:"status"`
}

// Endpoint is a compute endpoint attached to a branch
type Endpoint struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	BranchID string `json:"branch_id"`
	Type     string `json:"type"`
}

type Database struct {
	ID        int64  `json:"id"`
	BranchID  string `json:"branch_id"`
	Name      string `json:"name"`
	OwnerName string `json:"owner_name"`
}

type Role struct {
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
}

// Request and response bodies

type branchesResponse struct {
	Branches []Branch `json:"branches"`
}

type createBranchRequest struct {
	Branch    createBranchSpec     `json:"branch"`
	Endpoints []createEndpointSpec `json:"endpoints"`
}

type createBranchSpec struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

type createEndpointSpec struct {
	Type string `json:"type"`
}

// BranchMutation is the response to a create or delete request
type BranchMutation struct {
	Branch     Branch      `json:"branch"`
	Endpoints  []Endpoint  `json:"endpoints,omitempty"`
	Operations []Operation `json:"operations"`
}

type operationResponse struct {
	Operation Operation `json:"operation"`
}

type databasesResponse struct {
	Databases []Database `json:"databases"`
}

type rolesResponse struct {
	Roles []Role `json:"roles"`
}

type connectionURIResponse struct {
	URI string `json:"uri"`
}

package interfaces

import (
	"context"
)

// SalesforceClient is the typed boundary to the platform REST API.
// Every method is a suspension point with a per-call timeout; all
// expected failures come back as *models.AppError values, never panics.
type SalesforceClient interface {
	// Query runs a SOQL query against the data API and decodes the
	// records array into out (a pointer to a slice).
	Query(ctx context.Context, soql string, out interface{}) error

	// ToolingQuery runs a SOQL query against the Tooling API.
	ToolingQuery(ctx context.Context, soql string, out interface{}) error

	// ToolingCreate creates a Tooling sobject row and returns its id.
	ToolingCreate(ctx context.Context, sobject string, body interface{}) (string, error)

	// ToolingUpdate patches a Tooling sobject row.
	ToolingUpdate(ctx context.Context, sobject, id string, body interface{}) error

	// ToolingDelete deletes a Tooling sobject row.
	ToolingDelete(ctx context.Context, sobject, id string) error

	// GetLogBody fetches a raw ApexLog body. Bodies over the 20 MiB cap
	// return ErrLogTooLarge without downloading.
	GetLogBody(ctx context.Context, logID string) (string, error)

	// DeleteSObject deletes a data-API sobject row (e.g. ApexLog).
	DeleteSObject(ctx context.Context, sobject, id string) error

	// UserID returns the authenticated user's id.
	UserID() string

	// OrgID returns the connected org's id.
	OrgID() string
}

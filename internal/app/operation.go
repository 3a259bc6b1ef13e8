package app

// Operation statuses recorded in the history.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks a command that changes or discloses data.
// Operations are created in memory with ID=0. Only such commands persist
// them, giving them an auto-increment ID from the database.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, parameters string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

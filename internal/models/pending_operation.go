package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDescriptor is returned when an operation descriptor cannot be replayed.
var ErrInvalidDescriptor = errors.New("invalid operation descriptor")

// OperationKind is the mutation a pending operation performs.
type OperationKind string

const (
	KindSave   OperationKind = "save"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindSave, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Table names a remote record collection.
type Table string

const (
	TableRevenues         Table = "company_revenues"
	TableCompanyExpenses  Table = "company_expenses"
	TablePersonalExpenses Table = "personal_expenses"
)

// Tables lists every collection the outbox can target.
var Tables = []Table{TableRevenues, TableCompanyExpenses, TablePersonalExpenses}

// Valid reports whether t is one of the three known collections.
func (t Table) Valid() bool {
	switch t {
	case TableRevenues, TableCompanyExpenses, TablePersonalExpenses:
		return true
	}
	return false
}

// Descriptor carries everything needed to rebuild a write for later replay.
type Descriptor struct {
	Kind     OperationKind  `json:"kind"`
	Table    Table          `json:"table"`
	Data     map[string]any `json:"data"`
	RecordID string         `json:"record_id,omitempty"`
}

// Validate checks the descriptor shape.
func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}
	if !d.Table.Valid() {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidDescriptor, d.Table)
	}
	switch d.Kind {
	case KindSave:
		if d.RecordID != "" {
			return fmt.Errorf("%w: save must not carry a record id", ErrInvalidDescriptor)
		}
	case KindUpdate, KindDelete:
		if d.RecordID == "" {
			return fmt.Errorf("%w: %s requires a record id", ErrInvalidDescriptor, d.Kind)
		}
	}
	return nil
}

// PendingOperation is a write that failed for lack of connectivity and waits
// in the outbox for replay.
type PendingOperation struct {
	ID         string         `json:"id"`
	Kind       OperationKind  `json:"kind"`
	Table      Table          `json:"table"`
	Data       map[string]any `json:"data"`
	RecordID   string         `json:"recordId,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
}

// Descriptor returns the replayable intent of the operation.
func (op PendingOperation) Descriptor() Descriptor {
	return Descriptor{Kind: op.Kind, Table: op.Table, Data: op.Data, RecordID: op.RecordID}
}

// EnqueuedAt converts the millisecond timestamp back to a time.
func (op PendingOperation) EnqueuedAt() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// JournalEntry is an event recorded in the outbox database for other
// processes on the same device to pick up.
type JournalEntry struct {
	Seq       int64
	Type      string
	Data      []byte
	CreatedAt time.Time
}

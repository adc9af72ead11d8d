// Package agent defines the closed catalog of agent types and the handler
// contract the executor calls into.
package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies an agent kind. Only catalog members are valid.
type Type string

const (
	Guardian         Type = "guardian"
	InvoiceProcessor Type = "invoice_processor"
	VATReporter      Type = "vat_reporter"
	BankReconciler   Type = "bank_reconciler"
	Bookkeeper       Type = "bookkeeper"
)

var ErrUnknownType = errors.New("unknown agent type")

var catalog = []Type{Guardian, InvoiceProcessor, VATReporter, BankReconciler, Bookkeeper}

// Catalog returns every known agent type in a stable order.
func Catalog() []Type {
	out := make([]Type, len(catalog))
	copy(out, catalog)
	return out
}

func Parse(s string) (Type, error) {
	candidate := Type(strings.TrimSpace(s))
	for _, t := range catalog {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

func (t Type) Valid() bool {
	_, err := Parse(string(t))
	return err == nil
}

func (t Type) String() string { return string(t) }

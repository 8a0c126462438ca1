// Package testutil provides shared fixtures for engine tests: temp
// SQLite stores, fake collaborator implementations, and sample rule
// documents.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

// NewRuleStore opens a rule store on a per-test temp database.
func NewRuleStore(t *testing.T) *rule.Store {
	t.Helper()
	s, err := rule.NewStore(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewRunStore opens a run store on a per-test temp database.
func NewRunStore(t *testing.T) *run.Store {
	t.Helper()
	s, err := run.NewStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewDeliveryStore opens a delivery store on a per-test temp database.
func NewDeliveryStore(t *testing.T) *delivery.Store {
	t.Helper()
	s, err := delivery.NewStore(filepath.Join(t.TempDir(), "deliveries.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

package domain

import (
	"errors"
	"fmt"
)

// EnsureSnapshotImmutable rejects any change to a recorded snapshot.
func EnsureSnapshotImmutable(before, after Snapshot) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("snapshot ids are required")
	}
	if before.ID != after.ID {
		return fmt.Errorf("snapshot id changed from %q to %q", before.ID, after.ID)
	}
	if before.EnvironmentID != after.EnvironmentID {
		return errors.New("environment id is immutable")
	}
	if before.Type != after.Type {
		return errors.New("snapshot type is immutable")
	}
	if before.CommitRef != after.CommitRef || before.Path != after.Path {
		return errors.New("commit reference is immutable")
	}
	if before.ContentSHA256 != after.ContentSHA256 {
		return errors.New("content sha256 is immutable")
	}
	if before.WorkflowCount != after.WorkflowCount {
		return errors.New("workflow count is immutable")
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		return errors.New("created at is immutable")
	}
	return nil
}

// EnsureEnvironmentClassChange guards environment class changes. A class may
// change only when no stage depends on the environment or the caller asked for
// re-validation.
func EnsureEnvironmentClassChange(before, after Environment, dependentStages int, revalidate bool) error {
	if before.Class == after.Class {
		return nil
	}
	if dependentStages > 0 && !revalidate {
		return fmt.Errorf("environment %s class change from %s to %s requires revalidation (%d dependent stages)",
			before.ID, before.Class, after.Class, dependentStages)
	}
	return nil
}

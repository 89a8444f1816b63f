package session

import (
	"context"
	"fmt"
)

// MockSnapshotter returns a fixed ref (or a deterministic derived one),
// so the core is runnable end-to-end without a real git/tarball
// snapshot collaborator.
type MockSnapshotter struct {
	Ref string
	Err error
}

func (m *MockSnapshotter) CreateRollbackPoint(ctx context.Context, workDir string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.Ref != "" {
		return m.Ref, nil
	}
	return fmt.Sprintf("mock-snapshot:%s", workDir), nil
}

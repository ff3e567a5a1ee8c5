package paths

import (
	"os"
	"path/filepath"
)

// MockOracle answers Oracle queries from the real filesystem unless an
// override is configured. Tests use it to simulate permission problems
// without changing file modes.
type MockOracle struct {
	// ReadOnly lists paths reported as not writable.
	ReadOnly map[string]bool
	// MissingParents lists paths whose parent directory is reported missing.
	MissingParents map[string]bool
}

// NewMockOracle creates an oracle with no overrides.
func NewMockOracle() *MockOracle {
	return &MockOracle{
		ReadOnly:       make(map[string]bool),
		MissingParents: make(map[string]bool),
	}
}

func (m *MockOracle) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *MockOracle) ParentExists(path string) bool {
	if m.MissingParents[path] {
		return false
	}
	_, err := os.Stat(filepath.Dir(path))
	return err == nil
}

func (m *MockOracle) IsWritable(path string) bool {
	return !m.ReadOnly[path]
}

func (m *MockOracle) SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

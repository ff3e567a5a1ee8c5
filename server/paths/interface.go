package paths

// Oracle answers the filesystem questions the table registry asks before it
// opens a table file. It abstracts the repository that owns the directory
// tree so tests can substitute their own answers.
type Oracle interface {
	// Exists reports whether path names an existing file.
	Exists(path string) bool
	// ParentExists reports whether the directory holding path exists.
	ParentExists(path string) bool
	// IsWritable reports whether the current process may write path.
	IsWritable(path string) bool
	// SizeOf returns the size of path in bytes.
	SizeOf(path string) (int64, error)
}

// Resolver turns a caller-supplied table location into a canonical path.
type Resolver interface {
	Resolve(path string) (string, error)
}

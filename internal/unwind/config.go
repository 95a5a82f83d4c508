package unwind

// Config holds every tunable this module's outer layers (the CLI, tests)
// might want to override, threaded explicitly through constructors rather
// than kept as package-level mutable state — the teacher's global
// debug-directory list and global verbosity flag are exactly the pattern
// this replaces.
type Config struct {
	// MaxFrames bounds a single stack walk. Zero means MaxFrames (the
	// package default).
	MaxFrames int

	// PreferDebugFrame, when true (the default), prefers .debug_frame
	// over .eh_frame when a module has both. Some stripped binaries only
	// ship .eh_frame, in which case it is used regardless of this flag.
	PreferDebugFrame bool

	// DebugLinkSearchPath lists directories for a module's separate
	// debug-info file or a relocated shared object. Nothing in this module
	// reads it; procmem.Modules takes its own search directory.
	DebugLinkSearchPath []string
}

// DefaultConfig returns the package's default tuning.
func DefaultConfig() Config {
	return Config{MaxFrames: MaxFrames, PreferDebugFrame: true}
}

func (c Config) maxFrames() int {
	if c.MaxFrames > 0 {
		return c.MaxFrames
	}
	return MaxFrames
}

// Package sanitize rejects malformed or hostile tool-call input before any
// rule is consulted. It bounds the shape of the argument tree and scans
// string values for the configured threat families. A hit produces a
// Violation naming the detector; the engine turns that into a synthetic
// BLOCK verdict.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Detector names reported in violations and traces.
const (
	DetectorToolName      = "tool_name"
	DetectorMaxDepth      = "max_depth"
	DetectorStringLength  = "string_length"
	DetectorPathTraversal = "path_traversal"
	DetectorShellInject   = "shell_injection"
	DetectorSQLInject     = "sql_injection"
	DetectorSSRF          = "ssrf"
	DetectorURLScheme     = "url_scheme"
)

// Default bounds for the argument tree.
const (
	// DefaultMaxDepth caps nesting of maps and lists inside args.
	DefaultMaxDepth = 32
	// DefaultMaxStringLen caps each string value at 64 KiB.
	DefaultMaxStringLen = 64 * 1024
	// MaxToolNameLength is the longest accepted tool name.
	MaxToolNameLength = 256
)

// toolNamePattern accepts word characters, dots and hyphens only.
var toolNamePattern = regexp.MustCompile(`^[\w.\-]+$`)

// Config selects the enabled threat families and shape bounds.
// The zero value disables every family; use DefaultConfig for the
// recommended posture.
type Config struct {
	MaxDepth     int
	MaxStringLen int

	PathTraversal  bool
	ShellInjection bool
	SQLInjection   bool
	SSRF           bool
	URLSchemes     bool

	// AllowPrivateHosts permits URLs addressing RFC 1918 and loopback
	// hosts. Cloud metadata endpoints stay blocked regardless.
	AllowPrivateHosts bool

	// PathRoot, when set, confines absolute path arguments to that
	// directory subtree. Empty means absolute paths pass.
	PathRoot string
}

// DefaultConfig enables every detector family with the documented bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       DefaultMaxDepth,
		MaxStringLen:   DefaultMaxStringLen,
		PathTraversal:  true,
		ShellInjection: true,
		SQLInjection:   true,
		SSRF:           true,
		URLSchemes:     true,
	}
}

// Violation describes the first sanitizer hit. Detail is safe for clients:
// it names the offending token family, never the full input.
type Violation struct {
	// Detector is one of the Detector* constants.
	Detector string
	// Field is the dotted path of the offending value, empty for the
	// tool name itself.
	Field string
	// Detail is a short client-facing description.
	Detail string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", v.Detector, v.Detail)
	}
	return fmt.Sprintf("%s at %s: %s", v.Detector, v.Field, v.Detail)
}

// Sanitizer is stateless after construction and safe for concurrent use.
type Sanitizer struct {
	cfg Config
}

// New returns a Sanitizer for the given config. Zero bounds fall back to
// the defaults so a partially filled config stays usable.
func New(cfg Config) *Sanitizer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.MaxStringLen <= 0 {
		cfg.MaxStringLen = DefaultMaxStringLen
	}
	return &Sanitizer{cfg: cfg}
}

// CheckToolName validates the tool name shape. The gate runs even when all
// threat families are disabled.
func (s *Sanitizer) CheckToolName(name string) *Violation {
	if name == "" {
		return &Violation{Detector: DetectorToolName, Detail: "tool name is required"}
	}
	if len(name) > MaxToolNameLength {
		return &Violation{Detector: DetectorToolName, Detail: "tool name too long"}
	}
	if !toolNamePattern.MatchString(name) {
		return &Violation{Detector: DetectorToolName, Detail: "invalid tool name format"}
	}
	return nil
}

// CheckArgs walks the argument tree depth-first and returns the first
// violation, or nil when the tree is clean.
func (s *Sanitizer) CheckArgs(args map[string]any) *Violation {
	return s.walk(args, "", 0)
}

func (s *Sanitizer) walk(v any, path string, depth int) *Violation {
	switch val := v.(type) {
	case string:
		return s.checkString(val, path)

	case map[string]any:
		if depth >= s.cfg.MaxDepth {
			return &Violation{Detector: DetectorMaxDepth, Field: path, Detail: "argument nesting too deep"}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if vio := s.walk(val[k], joinPath(path, k), depth+1); vio != nil {
				return vio
			}
		}

	case []any:
		if depth >= s.cfg.MaxDepth {
			return &Violation{Detector: DetectorMaxDepth, Field: path, Detail: "argument nesting too deep"}
		}
		for i, item := range val {
			if vio := s.walk(item, joinPath(path, strconv.Itoa(i)), depth+1); vio != nil {
				return vio
			}
		}
	}
	return nil
}

// checkString applies the bound and the enabled families in a fixed order;
// the first hit wins.
func (s *Sanitizer) checkString(val, path string) *Violation {
	if len(val) > s.cfg.MaxStringLen {
		return &Violation{Detector: DetectorStringLength, Field: path, Detail: "string value too long"}
	}
	if s.cfg.PathTraversal {
		if detail := detectPathTraversal(val, s.cfg.PathRoot); detail != "" {
			return &Violation{Detector: DetectorPathTraversal, Field: path, Detail: detail}
		}
	}
	if s.cfg.ShellInjection {
		if detail := detectShellInjection(val); detail != "" {
			return &Violation{Detector: DetectorShellInject, Field: path, Detail: detail}
		}
	}
	if s.cfg.SQLInjection {
		if detail := detectSQLInjection(val); detail != "" {
			return &Violation{Detector: DetectorSQLInject, Field: path, Detail: detail}
		}
	}
	if s.cfg.SSRF {
		if detail := detectSSRF(val, s.cfg.AllowPrivateHosts); detail != "" {
			return &Violation{Detector: DetectorSSRF, Field: path, Detail: detail}
		}
	}
	if s.cfg.URLSchemes {
		if detail := detectURLScheme(val); detail != "" {
			return &Violation{Detector: DetectorURLScheme, Field: path, Detail: detail}
		}
	}
	return nil
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

var _ error = (*Violation)(nil)

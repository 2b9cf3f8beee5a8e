package filepolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Violation describes a pre-upload policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("file policy violation (%s): %s", v.Rule, v.Detail)
}

// Checker inspects a candidate file by name and size before it is uploaded.
type Checker interface {
	Check(name string, size int64) error
	Enforced() bool
}

// RuleChecker applies extension and size rules.
type RuleChecker struct {
	blockedExt        map[string]struct{}
	allowedExt        map[string]struct{}
	maxFileSize       int64
	enforceViolations bool
}

// DefaultAllowed lists the scan formats accepted when no allow-list is configured.
var DefaultAllowed = []string{".stl", ".ply", ".obj", ".dcm", ".zip"}

// NewRuleChecker returns a checker with the default block and allow lists.
func NewRuleChecker() *RuleChecker {
	return &RuleChecker{
		blockedExt:        extSet([]string{".exe", ".bat", ".ps1", ".js", ".sh", ".cmd"}),
		allowedExt:        extSet(DefaultAllowed),
		enforceViolations: true,
	}
}

// NewRuleCheckerFromEnv builds a checker from environment variables.
// It can be disabled entirely via FILE_POLICY_DISABLED=true.
func NewRuleCheckerFromEnv() Checker {
	if strings.EqualFold(os.Getenv("FILE_POLICY_DISABLED"), "true") {
		return nil
	}

	c := NewRuleChecker()
	c.enforceViolations = !strings.EqualFold(os.Getenv("FILE_POLICY_MODE"), "monitor")

	if raw := os.Getenv("FILE_POLICY_BLOCKED_EXTENSIONS"); raw != "" {
		c.blockedExt = extSet(strings.Split(raw, ","))
	}
	if raw, ok := os.LookupEnv("FILE_POLICY_ALLOWED_EXTENSIONS"); ok {
		// An empty value turns the allow-list off.
		c.allowedExt = extSet(strings.Split(raw, ","))
	}
	if raw := os.Getenv("FILE_POLICY_MAX_FILE_SIZE"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			c.maxFileSize = v
		}
	}
	return c
}

// WithMaxSize sets the size limit; zero disables it.
func (c *RuleChecker) WithMaxSize(n int64) *RuleChecker {
	c.maxFileSize = n
	return c
}

// WithAllowed replaces the allow-list. No arguments disables it.
func (c *RuleChecker) WithAllowed(exts ...string) *RuleChecker {
	c.allowedExt = extSet(exts)
	return c
}

func (c *RuleChecker) Enforced() bool {
	return c.enforceViolations
}

func (c *RuleChecker) Check(name string, size int64) error {
	if strings.TrimSpace(name) == "" {
		return &Violation{Rule: "empty_name", Detail: "file name required"}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, blocked := c.blockedExt[ext]; blocked {
		return &Violation{
			Rule:   "blocked_extension",
			Detail: fmt.Sprintf("extension %q not allowed", ext),
		}
	}
	if len(c.allowedExt) > 0 {
		if _, ok := c.allowedExt[ext]; !ok {
			return &Violation{
				Rule:   "unsupported_extension",
				Detail: fmt.Sprintf("extension %q is not a supported scan format", ext),
			}
		}
	}
	if size <= 0 {
		return &Violation{Rule: "empty_file", Detail: fmt.Sprintf("file %q is empty", name)}
	}
	if c.maxFileSize > 0 && size > c.maxFileSize {
		return &Violation{
			Rule:   "max_file_size",
			Detail: fmt.Sprintf("file size %d exceeds limit %d", size, c.maxFileSize),
		}
	}
	return nil
}

func extSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

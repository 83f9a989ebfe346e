// Package config holds the JSON benchmark configuration and its validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"batchbench/internal/batch"
	"batchbench/internal/storage"
)

// Bench is one benchmark invocation: a workload run against one or more
// backends.
type Bench struct {
	// Label prefixes the per-run log line ("<label>.insert for <backend> took N millis").
	Label string `json:"label"`

	Workload batch.Workload `json:"workload"`

	// Mode is "batch" (default) or "row".
	Mode string `json:"mode"`

	// FlushStrategy is "modulo" (default), "count" or "drain".
	FlushStrategy string `json:"flush_strategy"`

	// Parallel runs every backend target on its own goroutine.
	Parallel bool `json:"parallel"`

	// ResetTables deletes existing rows before each run so the deterministic
	// keys do not collide with a previous run.
	ResetTables bool `json:"reset_tables"`

	// AutoCreateTables creates post, post_details and post_comment if missing.
	AutoCreateTables bool `json:"auto_create_tables"`

	// DebugTimings logs every flush with its duration.
	DebugTimings bool `json:"debug_timings"`

	Backends []Backend `json:"backends"`
}

// Backend is one target connection.
type Backend struct {
	Kind string `json:"kind"`
	// DSN may reference environment variables ($VAR or ${VAR}).
	DSN string `json:"dsn"`
	// Label names the target in reports; defaults to Kind.
	Label string `json:"label,omitempty"`
}

// Name returns Label, or Kind when Label is empty.
func (b Backend) Name() string {
	if b.Label != "" {
		return b.Label
	}
	return b.Kind
}

// StorageConfig returns the storage.Config for b with the DSN expanded by expand.
// A nil expand uses os.ExpandEnv.
func (b Backend) StorageConfig(expand func(string) string) storage.Config {
	if expand == nil {
		expand = os.ExpandEnv
	}
	return storage.Config{Kind: b.Kind, DSN: expand(b.DSN)}
}

// Default returns a Bench with the default workload, mode and strategy and
// no backends.
func Default() Bench {
	return Bench{
		Label:            "batchbench",
		Workload:         batch.DefaultWorkload(),
		Mode:             batch.ModeBatch.String(),
		FlushStrategy:    "modulo",
		ResetTables:      true,
		AutoCreateTables: true,
	}
}

// Decode reads JSON from r on top of Default(). Unknown fields are rejected.
func Decode(r io.Reader) (Bench, error) {
	cfg := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Bench{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Severity ranks a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the JSON path of the offending field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks cfg and returns every issue found. kinds is the set of
// registered backend kinds (storage.Kinds()); when nil, kinds are not checked.
func Validate(cfg Bench, kinds []string) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if err := cfg.Workload.Validate(); err != nil {
		field := "workload"
		var ce *batch.ConfigError
		if errors.As(err, &ce) {
			field = "workload." + ce.Field
		}
		add(SeverityError, field, "%v", err)
	}
	if cfg.Workload.ParentCount == 0 {
		add(SeverityWarning, "workload.parent_count", "is 0; runs will insert nothing")
	}
	if _, err := batch.ParseMode(cfg.Mode); err != nil {
		add(SeverityError, "mode", "%v", err)
	}
	if _, err := batch.ParseStrategy(cfg.FlushStrategy); err != nil {
		add(SeverityError, "flush_strategy", "%v", err)
	}

	if len(cfg.Backends) == 0 {
		add(SeverityError, "backends", "at least one backend is required")
	}

	known := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		known[k] = true
	}
	names := map[string]int{}
	targets := map[string]int{}
	for i, b := range cfg.Backends {
		path := fmt.Sprintf("backends[%d]", i)
		switch {
		case strings.TrimSpace(b.Kind) == "":
			add(SeverityError, path+".kind", "must be set")
		case kinds != nil && !known[b.Kind]:
			add(SeverityError, path+".kind", "unsupported kind %q (registered: %s)", b.Kind, strings.Join(kinds, ", "))
		}
		if strings.TrimSpace(b.DSN) == "" && b.Kind != "badger" && b.Kind != "sqlite" {
			add(SeverityError, path+".dsn", "must be set for kind %q", b.Kind)
		}
		if prev, dup := names[b.Name()]; dup {
			add(SeverityWarning, path+".label", "duplicates backends[%d]; reports will be ambiguous", prev)
		} else {
			names[b.Name()] = i
		}
		target := b.Kind + "\x00" + b.DSN
		if prev, dup := targets[target]; dup && cfg.Parallel && b.DSN != "" && b.DSN != ":memory:" {
			add(SeverityError, path+".dsn", "same database as backends[%d]; parallel runs would collide on keys", prev)
		} else if !dup {
			targets[target] = i
		}
	}
	return issues
}

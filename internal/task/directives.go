package task

import "fmt"

// Directives is the free-form mapping of properties that describe a task's
// work and dependencies. It is consumed both by the workflow (for
// dependency linking) and by backends (for command execution). Keys not
// recognized by any accessor below are still preserved verbatim for
// serialization and backend pass-through (e.g. "sbatch_args", "cloud-args").
type Directives map[string]any

// Clone returns a shallow copy of the directive map, safe to hand to a new
// Task without aliasing the caller's map.
func (d Directives) Clone() Directives {
	out := make(Directives, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Directives) str(key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceSequence normalizes a directive value that may be a bare scalar or
// a sequence into a []string.
func coerceSequence(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", t)}
	}
}

func (d Directives) strSlice(key string) []string {
	v, ok := d[key]
	if !ok {
		return nil
	}
	return coerceSequence(v)
}

// Name returns the "name" directive, or "" if absent.
func (d Directives) Name() string { return d.str("name") }

// Cmd returns the "cmd" directive. An empty Cmd means the task completes
// immediately with success.
func (d Directives) Cmd() string { return d.str("cmd") }

// Stdin returns the "stdin" directive and whether it was set.
func (d Directives) Stdin() (string, bool) {
	v, ok := d["stdin"]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// Stdout returns the "stdout" directive path and whether it was set.
func (d Directives) Stdout() (string, bool) {
	v, ok := d["stdout"]
	if !ok {
		return "", false
	}
	return d.str("stdout"), true
}

// Stderr returns the "stderr" directive path and whether it was set.
func (d Directives) Stderr() (string, bool) {
	v, ok := d["stderr"]
	if !ok {
		return "", false
	}
	return d.str("stderr"), true
}

// Cpus returns the "cpus" resource request, defaulting to 0 when absent.
func (d Directives) Cpus() int {
	v, ok := d["cpus"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// Mem returns the "mem" resource hint.
func (d Directives) Mem() string { return d.str("mem") }

// Walltime returns the "walltime" resource hint.
func (d Directives) Walltime() string { return d.str("walltime") }

// Tags returns the "tags" directive, coerced to a slice.
func (d Directives) Tags() []string { return d.strSlice("tags") }

// Before returns the "before" dependency patterns.
func (d Directives) Before() []string { return d.strSlice("before") }

// After returns the "after" dependency patterns.
func (d Directives) After() []string { return d.strSlice("after") }

// Input returns the "input" dependency patterns.
func (d Directives) Input() []string { return d.strSlice("input") }

// Output returns the "output" identifiers this task produces.
func (d Directives) Output() []string { return d.strSlice("output") }

// SbatchArgs returns extra raw sbatch flags.
func (d Directives) SbatchArgs() []string { return d.strSlice("sbatch_args") }

// CloudArgs returns extra raw cloud-backend flags.
func (d Directives) CloudArgs() []string { return d.strSlice("cloud-args") }

// Package config parses the root task's textual system configuration:
// the DEVICES, MEMORY, and APPLICATIONS sections spec.md §6 specifies
// verbatim, grounded on original_source's parse_dev_config/
// parse_mem_config/parse_app_config (app/alpha/main.cpp). Those functions
// walk the raw config-file bytes with strpbrk/strncmp over fixed-capacity
// arrays; this package reimplements the same line-oriented grammar as a
// bufio.Scanner over typed, growable structs instead of fixed-capacity
// arrays.
package config

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/wrm-go/alpha/internal/constants"
)

// Access is a memory region's declared access mask, parsed from the
// config's r/w/rw tokens.
type Access uint8

const (
	AccessR  Access = 1
	AccessW  Access = 2
	AccessRW Access = AccessR | AccessW
)

func parseAccess(s string) (Access, bool) {
	switch s {
	case "r":
		return AccessR, true
	case "w":
		return AccessW, true
	case "rw":
		return AccessRW, true
	default:
		return 0, false
	}
}

// Device is one row of the DEVICES section.
type Device struct {
	Name string
	PA   uint64
	Size uint64
	IRQ  uint32
}

// Memory is one row of the MEMORY section.
type Memory struct {
	Name   string
	Size   uint64
	Access Access
	Cached bool
	Contig bool
}

// App is one block of the APPLICATIONS section.
type App struct {
	Name        string
	ShortName   string
	FilePath    string
	StackSize   uint64
	ThreadsMax  uint32
	PrioMax     uint8
	FPU         bool
	Devices     []string
	Memory      []string
	Args        []string
}

// Config is the fully parsed system configuration.
type Config struct {
	Devices []Device
	Memory  []Memory
	Apps    []App
}

// Error reports a malformed line, naming the section, line number, and
// problem, in the same spirit as original_source's wrm_loge diagnostics.
type Error struct {
	Section string
	Line    int
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s (line %d): %s", e.Section, e.Line, e.Msg)
}

// Per-application list maxima. original_source checks these with
// `cnt > LIMIT`, an off-by-one that lets one extra element past the
// declared maximum through; this package uses `cnt >= LIMIT`, the
// correct bound per SPEC_FULL.md's Open Question decisions.
const (
	maxDevicesPerApp = 16
	maxMemoryPerApp  = 16
	maxArgsPerApp    = 16
)

// Parse reads the three named sections from the config file's text.
// Section rows must be tab-prefixed; any row in a section that is not
// tab-prefixed ends that section (original_source: "sections lines
// should start from tab"). Lines starting with '#' or "\t#" are comments
// and are skipped without ending the section.
func Parse(text string) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var section string
	var curApp *App
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()

		if strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "\t#") {
			continue
		}

		if section == "" {
			switch strings.TrimSpace(raw) {
			case "DEVICES":
				section = "DEVICES"
			case "MEMORY":
				section = "MEMORY"
			case "APPLICATIONS":
				section = "APPLICATIONS"
			}
			continue
		}

		if !strings.HasPrefix(raw, "\t") {
			// Row doesn't start with a tab: this section has ended. The
			// same line may open the next section, so re-scan it.
			section = ""
			if strings.TrimSpace(raw) == "DEVICES" {
				section = "DEVICES"
			} else if strings.TrimSpace(raw) == "MEMORY" {
				section = "MEMORY"
			} else if strings.TrimSpace(raw) == "APPLICATIONS" {
				section = "APPLICATIONS"
			}
			continue
		}

		body := strings.TrimPrefix(raw, "\t")

		switch section {
		case "DEVICES":
			dev, err := parseDeviceRow(body, lineNo)
			if err != nil {
				return nil, err
			}
			cfg.Devices = append(cfg.Devices, dev)

		case "MEMORY":
			mem, err := parseMemoryRow(body, lineNo)
			if err != nil {
				return nil, err
			}
			cfg.Memory = append(cfg.Memory, mem)

		case "APPLICATIONS":
			trimmed := strings.TrimSpace(body)
			switch {
			case trimmed == "{":
				curApp = &App{}
			case trimmed == "}":
				if curApp == nil {
					return nil, &Error{"APPLICATIONS", lineNo, "unmatched '}'"}
				}
				if curApp.ThreadsMax == 0 || curApp.ThreadsMax > constants.MaxThreadsPerApp {
					return nil, &Error{"APPLICATIONS", lineNo, fmt.Sprintf("threads_max must be in [1, %d]", constants.MaxThreadsPerApp)}
				}
				cfg.Apps = append(cfg.Apps, *curApp)
				curApp = nil
			default:
				if curApp == nil {
					return nil, &Error{"APPLICATIONS", lineNo, "key/value line outside a '{' ... '}' block"}
				}
				if err := parseAppField(curApp, body, lineNo); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	if curApp != nil {
		return nil, &Error{"APPLICATIONS", lineNo, "unterminated application block"}
	}
	return cfg, nil
}

func parseDeviceRow(body string, line int) (Device, error) {
	fields := strings.Fields(body)
	if len(fields) != 4 {
		return Device{}, &Error{"DEVICES", line, fmt.Sprintf("expected 4 fields, got %d", len(fields))}
	}
	pa, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Device{}, &Error{"DEVICES", line, "bad hex physical base: " + fields[1]}
	}
	sz, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Device{}, &Error{"DEVICES", line, "bad hex size: " + fields[2]}
	}
	irq, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Device{}, &Error{"DEVICES", line, "bad decimal irq: " + fields[3]}
	}
	return Device{Name: fields[0], PA: pa, Size: sz, IRQ: uint32(irq)}, nil
}

func parseMemoryRow(body string, line int) (Memory, error) {
	fields := strings.Fields(body)
	if len(fields) != 5 {
		return Memory{}, &Error{"MEMORY", line, fmt.Sprintf("expected 5 fields, got %d", len(fields))}
	}
	sz, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return Memory{}, &Error{"MEMORY", line, "bad hex size: " + fields[1]}
	}
	access, ok := parseAccess(fields[2])
	if !ok {
		return Memory{}, &Error{"MEMORY", line, "bad access field, allows r/w/rw: " + fields[2]}
	}
	cached, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return Memory{}, &Error{"MEMORY", line, "bad cached flag: " + fields[3]}
	}
	contig, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return Memory{}, &Error{"MEMORY", line, "bad contig flag: " + fields[4]}
	}
	return Memory{
		Name: fields[0], Size: sz, Access: access,
		Cached: cached != 0, Contig: contig != 0,
	}, nil
}

func parseAppField(app *App, body string, line int) error {
	idx := strings.IndexByte(body, ':')
	if idx < 0 {
		return &Error{"APPLICATIONS", line, "expected 'key: value', got: " + body}
	}
	key := strings.TrimSpace(body[:idx])
	val := strings.TrimSpace(body[idx+1:])

	switch key {
	case "name":
		if val == "" {
			return &Error{"APPLICATIONS", line, "'name' absent"}
		}
		app.Name = val
	case "short_name":
		if val == "" {
			return &Error{"APPLICATIONS", line, "'short_name' absent"}
		}
		app.ShortName = val
	case "file_path":
		if val == "" {
			return &Error{"APPLICATIONS", line, "'file_path' absent"}
		}
		app.FilePath = val
	case "stack_size":
		n, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return &Error{"APPLICATIONS", line, "bad stack_size: " + val}
		}
		app.StackSize = n
	case "threads_max":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil || n == 0 || n > constants.MaxThreadsPerApp {
			return &Error{"APPLICATIONS", line, fmt.Sprintf("threads_max 0 or too big, max=%d", constants.MaxThreadsPerApp)}
		}
		app.ThreadsMax = uint32(n)
	case "prio_max":
		n, err := strconv.ParseUint(val, 10, 16)
		if err != nil || n == 0 || n > constants.MaxPriority {
			return &Error{"APPLICATIONS", line, fmt.Sprintf("prio_max 0 or too big, max=%d", constants.MaxPriority)}
		}
		app.PrioMax = uint8(n)
	case "fpu":
		switch val {
		case "on":
			app.FPU = true
		case "off":
			app.FPU = false
		default:
			return &Error{"APPLICATIONS", line, "'fpu' must be 'on' or 'off'"}
		}
	case "devices":
		list := splitList(val)
		if len(list) >= maxDevicesPerApp {
			return &Error{"APPLICATIONS", line, fmt.Sprintf("too many devices, max=%d", maxDevicesPerApp)}
		}
		app.Devices = list
	case "memory":
		list := splitList(val)
		if len(list) >= maxMemoryPerApp {
			return &Error{"APPLICATIONS", line, fmt.Sprintf("too many memory regions, max=%d", maxMemoryPerApp)}
		}
		app.Memory = list
	case "args":
		list := splitList(val)
		if len(list) >= maxArgsPerApp {
			return &Error{"APPLICATIONS", line, fmt.Sprintf("too many args, max=%d", maxArgsPerApp)}
		}
		app.Args = list
	default:
		return &Error{"APPLICATIONS", line, "unknown param name: " + key}
	}
	return nil
}

// splitList splits a comma/space separated value list, discarding empty
// tokens, the same tokenizing strpbrk(", \t\n") performs in
// original_source.
func splitList(val string) []string {
	if val == "" {
		return nil
	}
	fields := strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	return fields
}

// Dump renders cfg the way original_source's print_proj_config logs the
// parsed configuration at startup, for diagnostic logging from
// cmd/alpha.
func Dump(cfg *Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "project config:\n")
	fmt.Fprintf(&b, "  devices:\n")
	for _, d := range cfg.Devices {
		fmt.Fprintf(&b, "    %-12s pa=0x%x sz=0x%x irq=%d\n", d.Name, d.PA, d.Size, d.IRQ)
	}
	fmt.Fprintf(&b, "  memory:\n")
	for _, m := range cfg.Memory {
		fmt.Fprintf(&b, "    %-12s sz=0x%x access=%d cached=%v contig=%v\n", m.Name, m.Size, m.Access, m.Cached, m.Contig)
	}
	fmt.Fprintf(&b, "  apps:\n")
	for _, a := range cfg.Apps {
		fmt.Fprintf(&b, "    %-12s file=%s threads_max=%d prio_max=%d devices=%v memory=%v\n",
			a.Name, a.FilePath, a.ThreadsMax, a.PrioMax, a.Devices, a.Memory)
	}
	return b.String()
}

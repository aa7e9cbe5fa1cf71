// Package sym defines the symbols kairos uses to mark subsystems in logs,
// CLI help and command output. They are stable across releases so log
// queries keyed on the symbol field keep working.
package sym

// Subsystem glyphs.
const (
	AM         = "≡" // am: configuration and system settings
	Pulse      = "꩜" // pulse: job scheduling, dispatch and workers
	PulseOpen  = "✿" // dispatcher startup with orphaned job recovery
	PulseClose = "❀" // graceful dispatcher shutdown
	DB         = "⊔" // database/storage layer
	Job        = "⏲" // a single job and its lifecycle
)

// SymbolToCommand maps glyph strings to their CLI command equivalents.
var SymbolToCommand = map[string]string{
	AM:    "am",
	Pulse: "pulse",
	DB:    "db",
	Job:   "job",
}

// CommandToSymbol maps CLI commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"am":    AM,
	"pulse": Pulse,
	"db":    DB,
	"job":   Job,
}

// CommandDescriptions provides the one-line help used by the CLI.
var CommandDescriptions = map[string]string{
	"am":    "Configuration: show resolved settings",
	"pulse": "Scheduler: run the dispatcher and worker pool",
	"db":    "Storage: manage the job database",
	"job":   "Jobs: create, inspect and cancel jobs",
}

// Prefixed returns "<glyph> <command>" for a known command, or the command itself.
func Prefixed(command string) string {
	if s, ok := CommandToSymbol[command]; ok {
		return s + " " + command
	}
	return command
}

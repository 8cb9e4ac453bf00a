package monitoring

import "strings"

// LineKind classifies a diagnostic line printed by the sensor node.
type LineKind string

const (
	// LineLogic marks the firmware's decision trace, printed with a ">>>" prefix.
	LineLogic LineKind = "logic"
	// LineEcho is the node acknowledging a command it received. Echoes are
	// not logged.
	LineEcho LineKind = "echo"
	LineMote LineKind = "mote"
)

// ClassifyLine returns the kind of a debug line.
func ClassifyLine(line string) LineKind {
	switch {
	case strings.Contains(line, "RICEVUTO"):
		return LineEcho
	case strings.Contains(line, ">>>"):
		return LineLogic
	default:
		return LineMote
	}
}

// LogLine routes a debug line to the mote log with a tag for its kind. It
// reports whether the line was logged.
func LogLine(line string) bool {
	switch ClassifyLine(line) {
	case LineEcho:
		return false
	case LineLogic:
		MoteLogf("[LOGIC] %s", line)
	default:
		MoteLogf("[MOTE] %s", line)
	}
	return true
}

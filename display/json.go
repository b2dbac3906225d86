package display

import (
	"encoding/json"
	"os"
)

// Compact forces single-line JSON. When nil, output is compact unless stdout
// is a terminal.
var Compact *bool

// MarshalJSON marshals v indented for a terminal and on one line for pipes.
func MarshalJSON(v interface{}) ([]byte, error) {
	if compact() {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

func compact() bool {
	if Compact != nil {
		return *Compact
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&os.ModeCharDevice == 0
}

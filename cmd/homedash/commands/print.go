package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/TimonBed/dashboard-sub000/internal/ha"
	"github.com/TimonBed/dashboard-sub000/internal/store"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func printError(err error) {
	red.Fprintf(os.Stderr, "Error: ")
	fmt.Fprintln(os.Stderr, err)
}

// printConnection writes a one-line summary of the connection state.
func printConnection(w io.Writer, cs store.ConnectionState) {
	switch {
	case cs.Connected:
		green.Fprintf(w, "● connected")
		fmt.Fprintf(w, " (%s)\n", cs.TransportKind)
	case cs.Loading:
		yellow.Fprintln(w, "● connecting")
	default:
		red.Fprintln(w, "● disconnected")
	}
	if cs.Error != "" {
		red.Fprintf(w, "  error: %s\n", cs.Error)
	}
	if cs.Warning != "" {
		yellow.Fprintf(w, "  warning: %s\n", cs.Warning)
	}
	if cs.LastTransportError != "" {
		faint.Fprintf(w, "  last transport error: %s\n", cs.LastTransportError)
	}
}

// printSensors writes one line per sensor in display order.
func printSensors(w io.Writer, sensors []ha.State) {
	if len(sensors) == 0 {
		fmt.Fprintln(w, "No sensors found.")
		return
	}

	for _, s := range sensors {
		value := s.State
		if unit, ok := s.Attributes["unit_of_measurement"].(string); ok && unit != "" {
			value += " " + unit
		}
		stateColor := cyan
		if s.IsUnavailable() {
			stateColor = faint
		}
		fmt.Fprintf(w, "  %-32s ", s.FriendlyName())
		stateColor.Fprintf(w, "%-16s", value)
		faint.Fprintf(w, " %s\n", s.EntityID)
	}
}

// Package viz renders a run in the terminal.
//
// [Run] drives a Bubble Tea program while the active-learning loop executes
// in its own goroutine; loop events reach the program only through
// [tea.Program.Send]. The view shows the current iteration and phase, a loss
// sparkline per committee member and a force-MAE chart of the selected member.
//
// # Key Bindings
//
//	Tab - cycle committee member
//	T   - cycle color themes
//	?   - toggle help
//	Q   - quit (cancels the run)
//
// [PlotHistory] draws per-iteration ledger series for the plot command.
package viz

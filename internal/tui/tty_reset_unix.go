//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores cooked mode and the cursor after the full-screen
// UI exits, including after a panic or signal mid-render.
func bestEffortResetTTY() {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer tty.Close()

	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
	// Show cursor, leave the alternate screen.
	_, _ = tty.WriteString("\x1b[?25h\x1b[?1049l")
}

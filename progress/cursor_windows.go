//go:build windows

package progress

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/windows"
)

// moveCursorUp mirrors update_progress's _WIN32 branch: read the console's
// current cursor position and reposition it n lines up via the Win32
// console API instead of an ANSI escape sequence, since legacy Windows
// consoles don't interpret "\033[nA".
func moveCursorUp(out io.Writer, n int) {
	if n <= 0 {
		return
	}
	handle := windows.Handle(os.Stdout.Fd())
	var info windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(handle, &info); err != nil {
		return
	}
	newY := info.CursorPosition.Y - int16(n)
	if newY < 0 {
		newY = 0
	}
	windows.SetConsoleCursorPosition(handle, windows.Coord{X: 0, Y: newY})
}

// clearLine pads the current line with spaces and returns the cursor to
// column zero, matching the C reference's printf("%-*s\r", term_width, "").
func clearLine(out io.Writer) {
	fmt.Fprintf(out, "%s\r", strings.Repeat(" ", terminalWidth()))
}

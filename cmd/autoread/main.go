// cmd/autoread/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/autoread/cmd"
	"github.com/xkilldash9x/autoread/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables so tests can observe exits and panic logging.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	// SIGINT and SIGTERM cancel the run; targets already finished are still reported.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := cmd.ExitCode(cmd.Execute(ctx)); code != 0 {
		stop()
		osExit(code)
	}
}

// handlePanic writes the panic and its stack to panic.log and exits with status 2.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", msg)
	} else {
		fmt.Fprintf(os.Stderr, "autoread crashed; details logged to %s\n", panicLogFile)
	}
	osExit(2)
}

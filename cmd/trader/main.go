// Command trader runs RSI strategy backtests and paper trading sessions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rsi-trader/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}

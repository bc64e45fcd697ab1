package main

import (
	"context"
	"os"

	"github.com/irfndi/celebrum-fetcher/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background()))
}

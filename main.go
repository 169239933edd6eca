package main

import (
	"github.com/dspears312/organvoice/cmd"
	"github.com/dspears312/organvoice/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}

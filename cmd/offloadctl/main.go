package main

import (
	"github.com/serverledge-faas/offloadge/internal/cli"
)

func main() {
	cli.Init()
}

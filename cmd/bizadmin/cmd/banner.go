package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ____  _          _       _           _
 | __ )(_)____    / \   __| |_ __ ___ (_)_ __
 |  _ \| |_  /   / _ \ / _` + "`" + ` | '_ ` + "`" + ` _ \| | '_ \
 | |_) | |/ /   / ___ \ (_| | | | | | | | | | |
 |____/|_/___| /_/   \_\__,_|_| |_| |_|_|_| |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Business Administration - Version %s\x1b[0m\n\n", Version)
}

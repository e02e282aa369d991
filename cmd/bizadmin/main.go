package main

import "github.com/jmcleod/bizadmin/cmd/bizadmin/cmd"

func main() {
	cmd.Execute()
}

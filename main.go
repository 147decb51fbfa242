package main

import (
	"os"

	"github.com/kebairia/driveback/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

package main

import (
	"os"

	"github.com/cloudnative-pg/pg-keeper/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

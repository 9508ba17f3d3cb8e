// Package main is the entry point for the sabermill application
package main

import (
	"github.com/sabermill/sabermill/cmd"

	_ "github.com/lib/pq"
)

func main() {
	cmd.Execute()
}

package main

import (
	"github.com/torxed/github-autorun/pkg/server"
)

func main() {
	server.Execute()
}

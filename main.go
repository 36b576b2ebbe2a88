package main

import (
	"context"
	"os"

	kv "github.com/aep/kvshim/kv/cmd"
)

var version = "dev"

func main() {
	os.Exit(kv.Main(context.Background(), version, os.Args[1:], os.Stdout, os.Stderr))
}

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/igrelay/igrelay/internal/config"
	"github.com/igrelay/igrelay/internal/daemon"
	"go.uber.org/fx"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".igrelay", "config.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Cfg: cfg}),
	)

	app.Run()
}

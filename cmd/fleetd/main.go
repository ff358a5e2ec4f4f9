package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/stb13579/fleetd/internal/buildinfo"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (or FLEET_CONFIG)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetd %s\n", buildinfo.String())
		return
	}

	log.Printf("[app] fleetd %s starting", buildinfo.Version)
	if err := run(*configPath); err != nil {
		log.Printf("[app] fatal: %v", err)
		os.Exit(1)
	}
	log.Printf("[app] fleetd stopped")
}

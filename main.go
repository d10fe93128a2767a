package main

import (
	"DemandVM/config"
	"DemandVM/logger"
	memoryengine "DemandVM/memory_engine"
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal(err)
	}

	me, err := memoryengine.NewMemoryEngine(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer me.Close()

	sh := newShell(me, os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	// REPL
	for {
		fmt.Print("vm> ")

		if !scanner.Scan() { // Ctrl+D pressed
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(line, "exit") {
			break
		}
		if line == "" {
			continue
		}

		if err := sh.exec(line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

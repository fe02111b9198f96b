package main

import (
	"fmt"
	"os"
)

const Version = "0.4.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		handleServe(nil)
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("wa-deck v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		handleServe(args[1:])
	case "clients", "client":
		handleClients(args[1:])
	case "config":
		handleConfig(args[1:])
	default:
		// Bare flags start the server: "wa-deck --listen :8080".
		if len(args[0]) > 0 && args[0][0] == '-' {
			handleServe(args)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("wa-deck v%s\n", Version)
	fmt.Println("Multi-tenant WhatsApp session gateway.")
	fmt.Println()
	fmt.Println("Usage: wa-deck [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Start the HTTP API (default)")
	fmt.Println("  clients list       List clients on a running server")
	fmt.Println("  clients run <ids>  Create or restart clients")
	fmt.Println("  clients kill <ids> Remove clients (--dead removes every unauthenticated one)")
	fmt.Println("  config init        Write an example config file")
	fmt.Println("  config path        Print the config file location")
	fmt.Println("  version            Show version")
	fmt.Println("  help               Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  WADECK_CONFIG           Config file path")
	fmt.Println("  WADECK_API_KEY          API key (overrides [server] api_key)")
	fmt.Println("  WADECK_DRIVER_ENDPOINT  Automation endpoint (overrides [driver] endpoint)")
	fmt.Println("  WADECK_LISTEN           Listen address (overrides [server] listen)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  wa-deck serve --listen 127.0.0.1:5000")
	fmt.Println("  wa-deck clients list --key $WADECK_API_KEY")
	fmt.Println("  wa-deck clients kill --dead")
}

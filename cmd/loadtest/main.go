// Command loadtest drives the realtime server with simulated listeners.
//
//   - saturate: opens N connections, announces a user on each, and holds them
//   - sync:     pairs of users repeatedly negotiate playback sync
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "sync":
		runSync(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N announced connections and holds them")
	fmt.Println("  sync        Sync negotiation test: pairs of users request and accept playback sync")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// escrowd MCP server - exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowd/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("ESCROWD_API_KEY"),
		Address: os.Getenv("ESCROWD_ADDRESS"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_API_KEY is required")
		os.Exit(1)
	}
	if cfg.Address == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

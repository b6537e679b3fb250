package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Tether/mcp"
)

// Version is the bridge version string.
const Version = "1.0.0"

func main() {
	mcpMode := flag.Bool("mcp", false, "serve the tool set over MCP stdio instead of HTTP")
	configPath := flag.String("config", "", "optional JSON config file, hot-reloaded on change")
	logFile := flag.Bool("log-file", false, "also write logs to a rotating file")
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for logs and artifacts")
	flag.Parse()

	logCfg := DefaultLogConfig()
	if *logFile {
		logCfg = FileLogConfig(*dataDir)
	}
	if err := InitLogger(logCfg); err != nil {
		LogError("main").Err(err).Msg("Logger init failed")
		os.Exit(1)
	}
	defer CloseLogger()

	cfg := NewConfigStore(LoadConfig())
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			LogWarn("main").Err(err).Str("path", *configPath).Msg("Config file not loaded, using defaults")
		} else if err := cfg.Watch(*configPath); err != nil {
			LogWarn("main").Err(err).Msg("Config watch failed, continuing without hot reload")
		}
	}

	app := NewApp(cfg)

	if *mcpMode || os.Getenv("TETHER_MCP") == "1" {
		runMCP(app)
		return
	}
	runHTTP(app, cfg)
}

func runMCP(app *App) {
	LogInfo("main").Str("version", Version).Msg("Starting MCP stdio server")
	server := mcp.NewMCPServer(NewMCPBridge(app))
	if err := server.Start(); err != nil {
		LogError("main").Err(err).Msg("MCP server exited with error")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Shutdown(shutdownCtx)
}

func runHTTP(app *App, cfg *ConfigStore) {
	server := NewServer(app, cfg.Get().ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			LogError("main").Err(err).Msg("HTTP server failed")
		}
	case sig := <-sigCh:
		LogInfo("main").Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	app.Shutdown(shutdownCtx)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/tether"
	}
	return os.TempDir()
}

// Command wskitdemo is a minimal chat room built on wskit: "serve"
// hosts a router with a broadcast chat schema over pub/sub, "chat"
// connects a terminal client to it. It exists to exercise the full
// stack end to end, not as a framework entry point of its own.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wskit-go/wskit/internal/buildinfo"
	"github.com/wskit-go/wskit/internal/wsconfig"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, defaults applied otherwise)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "chat":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "usage: wskitdemo chat <url> <room>")
			os.Exit(1)
		}
		runChat(logger, flag.Arg(1), flag.Arg(2))
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("wskitdemo - reference chat room built on wskit")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the chat server")
	fmt.Println("  chat <url> <room> Join a chat room from the terminal")
	fmt.Println("  version          Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, path string) *wsconfig.Config {
	if path == "" {
		return wsconfig.Default()
	}
	cfg, err := wsconfig.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func shutdownOn(sig chan os.Signal, cancel context.CancelFunc, logger *slog.Logger, servers ...*http.Server) {
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutdown signal received")
	cancel()
	for _, s := range servers {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.Shutdown(shutdownCtx)
		done()
	}
}

// stdinLines is a tiny helper shared by runChat to read one line at a
// time without pulling in a readline dependency the pack never uses.
func stdinLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

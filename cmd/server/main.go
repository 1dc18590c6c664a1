package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/citycare/controlcenter/pkg/server"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to TOML config file")
	debug := flag.Bool("debug", false, "Write debug output to debug.log")
	noConsole := flag.Bool("no-console", false, "Run without the admin console until SIGINT/SIGTERM")
	hashPassword := flag.Bool("hash-password", false, "Read a password from stdin, print its bcrypt hash for ssh_password_hash and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *hashPassword {
		if err := printPasswordHash(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := server.InitLoggers(*debug); err != nil {
		log.Printf("Warning: file logging disabled: %v", err)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()

	if flag.NArg() > 0 {
		config.TCPPort = parsePortArg(flag.Arg(0), config.TCPPort)
	}

	srv := server.NewServer(config)
	if err := srv.Start(); err != nil {
		log.Printf("Failed to start control center: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	consoleDone := make(chan struct{})
	if !*noConsole {
		go func() {
			defer close(consoleDone)
			server.NewConsole(srv, os.Stdin, os.Stdout).Run()
		}()
	}

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
		srv.Stop()
	case <-consoleDone:
		if srv.IsRunning() {
			// Console input closed; keep serving until a signal arrives
			log.Printf("Console input closed, serving until SIGINT/SIGTERM")
			sig := <-sigCh
			log.Printf("Received %s, shutting down...", sig)
			srv.Stop()
		}
	}

	log.Printf("Control center stopped")
}

// parsePortArg returns the port named on the command line, or fallback if
// it is not a valid TCP port
func parsePortArg(arg string, fallback int) int {
	port, err := strconv.Atoi(arg)
	if err != nil || port < 1 || port > 65535 {
		log.Printf("Warning: invalid port %q, using %d", arg, fallback)
		return fallback
	}
	return port
}

func printPasswordHash() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("password is empty")
	}

	hash, err := server.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

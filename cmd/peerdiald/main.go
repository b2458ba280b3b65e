// Package main provides peerdiald, a small daemon around the peerdial
// connection layer.
//
// In serve mode it accepts inbound connections and routes them by their
// first word: PING echoes the rest of the stream and STATUS, answered for
// local peers only, reports the dispatcher counters. In dial mode it
// connects out through the configured proxy, sends a word and copies the
// reply to stdout.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/peerdial"
	"github.com/sirupsen/logrus"
)

// CLI configuration
type CLIConfig struct {
	configFile string
	listen     string
	reactor    bool
	dial       string
	word       string
	payload    string
	timeout    time.Duration
	certFile   string
	keyFile    string
	insecure   bool
	help       bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	flag.StringVar(&config.configFile, "config", os.Getenv("PEERDIAL_CONFIG"), "Path to the ini configuration file")
	flag.StringVar(&config.listen, "listen", "", "Listen address, overrides [inbound] listen")
	flag.BoolVar(&config.reactor, "reactor", false, "Serve with the epoll reactor and the non-blocking front end")

	flag.StringVar(&config.dial, "dial", "", "Dial this address instead of serving (ip:port, host:port or ws:// URL)")
	flag.StringVar(&config.word, "word", "PING", "Protocol word sent in dial mode")
	flag.StringVar(&config.payload, "payload", "", "Bytes sent after the word in dial mode")
	flag.DurationVar(&config.timeout, "timeout", 30*time.Second, "Overall dial mode timeout")

	flag.StringVar(&config.certFile, "cert", "", "TLS certificate for inbound upgrades")
	flag.StringVar(&config.keyFile, "key", "", "TLS key for inbound upgrades")
	flag.BoolVar(&config.insecure, "insecure", false, "Skip certificate verification for tls and ssl connect types")

	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("peerdiald: peer connection daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Serve on the configured address with the epoll reactor\n")
	fmt.Printf("  %s -config peerdial.ini -reactor\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Ask a local daemon for its counters\n")
	fmt.Printf("  %s -dial 127.0.0.1:6346 -word STATUS\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if (config.certFile == "") != (config.keyFile == "") {
		return fmt.Errorf("-cert and -key must be given together")
	}
	if config.dial != "" && config.word == "" {
		return fmt.Errorf("dial mode needs a word")
	}
	if config.timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// loadTLSConfig builds the TLS configuration shared by outbound connect
// types and inbound upgrades.
func loadTLSConfig(config *CLIConfig) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: config.insecure}
	if config.certFile != "" {
		cert, err := tls.LoadX509KeyPair(config.certFile, config.keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		logrus.WithFields(logrus.Fields{
			"function": "setupSignalHandling",
			"signal":   sig.String(),
		}).Info("Shutting down")
		cancel()
	}()
}

func main() {
	cliConfig := parseCLIFlags()

	if cliConfig.help {
		printUsage()
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	options, err := peerdial.LoadOptions(cliConfig.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load options: %v\n", err)
		os.Exit(1)
	}
	if cliConfig.listen != "" {
		options.Inbound.Listen = cliConfig.listen
	}
	if err := options.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log options: %v\n", err)
		os.Exit(1)
	}

	tlsConfig, err := loadTLSConfig(cliConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load TLS key pair: %v\n", err)
		os.Exit(1)
	}

	node, err := peerdial.New(options, tlsConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if cliConfig.dial != "" {
		ctx, cancel := context.WithTimeout(ctx, cliConfig.timeout)
		defer cancel()
		if err := dial(ctx, node, cliConfig.dial, cliConfig.word, cliConfig.payload, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Dial failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := registerAcceptors(node.Dispatcher); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register acceptors: %v\n", err)
		os.Exit(1)
	}

	if cliConfig.reactor {
		err = serveReactor(ctx, node)
	} else {
		err = node.ListenAndServe(ctx)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to address, sends word, a space and payload, then copies
// the reply to out until the peer closes or ctx ends.
func dial(ctx context.Context, node *peerdial.Node, address, word, payload string, out io.Writer) error {
	conn, err := node.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, word+" "+payload); err != nil {
		return err
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	_, err = io.Copy(out, conn)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

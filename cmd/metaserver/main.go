package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/metadata"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "metaserver",
	Short:   "metaserver serves the cloud-init metadata tree and phone-home callback",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("metaserver version %s (%s)\n", Version, Commit))

	rootCmd.Flags().IntP("port", "p", 80, "Listen port; guests expect the EC2/OpenStack metadata IP on port 80")
	rootCmd.Flags().String("data-dir", "./ipd-data", "Directory holding the bbolt state file shared with ipd serve")
	rootCmd.Flags().String("ssh-key", "", "Path to the scheduler's SSH private key, whose public half guests bake into authorized_keys (required)")
	rootCmd.Flags().StringArray("hypervisor", nil, "Hypervisor pool member, repeatable: key=address:port[:driver[:mode]]")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.MarkFlagRequired("ssh-key")
	rootCmd.MarkFlagRequired("hypervisor")
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("cmd")

	port, _ := cmd.Flags().GetInt("port")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	sshKeyPath, _ := cmd.Flags().GetString("ssh-key")
	hvFlags, _ := cmd.Flags().GetStringArray("hypervisor")

	endpoints, err := parseHypervisors(hvFlags)
	if err != nil {
		return err
	}

	pubKeyLine, err := loadPublicKeyLine(sshKeyPath)
	if err != nil {
		return fmt.Errorf("loading ssh key: %w", err)
	}

	store, err := storage.NewBoltStore(filepath.Join(dataDir, "ipd.db"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	srv := metadata.NewServer(store, endpoints, pubKeyLine)

	addr := fmt.Sprintf(":%d", port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", addr).Msg("metaserver listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metadata server error")
	}
	return nil
}

func parseHypervisors(flags []string) ([]types.HypervisorEndpoint, error) {
	endpoints := make([]types.HypervisorEndpoint, 0, len(flags))
	for _, flag := range flags {
		keyAndRest := strings.SplitN(flag, "=", 2)
		if len(keyAndRest) != 2 {
			return nil, fmt.Errorf("invalid --hypervisor %q: expected key=address:port", flag)
		}
		parts := strings.Split(keyAndRest[1], ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid --hypervisor %q: expected key=address:port", flag)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid --hypervisor %q: port must be numeric: %w", flag, err)
		}
		ep := types.HypervisorEndpoint{
			Key:     keyAndRest[0],
			Address: parts[0],
			Port:    port,
			Driver:  "qemu",
			Mode:    "system",
		}
		if len(parts) > 2 {
			ep.Driver = parts[2]
		}
		if len(parts) > 3 {
			ep.Mode = parts[3]
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func loadPublicKeyLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/GaretJax/ipd/pkg/adminapi"
	"github.com/GaretJax/ipd/pkg/buildspec"
	"github.com/GaretJax/ipd/pkg/lifecycle"
	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/projects"
	"github.com/GaretJax/ipd/pkg/scheduler"
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
	Use:     "ipd",
	Short:   "ipd schedules CI builds onto ephemeral hypervisor-backed VMs",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ipd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build scheduler and admin HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringArray("hypervisor", nil, "Hypervisor pool member, repeatable: key=address:port[:driver[:mode]]")
	serveCmd.Flags().String("workdir", "./ipd-workdir", "Directory holding domains/, volumes/ and base-vm/ descriptor templates")
	serveCmd.Flags().String("data-dir", "./ipd-data", "Directory holding the bbolt state file")
	serveCmd.Flags().String("addr", "127.0.0.1:8000", "Admin HTTP API listen address")
	serveCmd.Flags().String("ssh-key", "", "Path to the scheduler's SSH private key, used to reach guests (required)")
	serveCmd.Flags().String("ssh-user", "ubuntu", "SSH user the lifecycle driver logs into guests as")
	serveCmd.Flags().Duration("phone-home-timeout", 5*time.Minute, "How long to wait for a guest to phone home before failing the build")
	serveCmd.Flags().Duration("ssh-connect-timeout", 30*time.Second, "Timeout connecting to a guest over SSH")
	serveCmd.Flags().Duration("buildspec-fetch-timeout", 10*time.Second, "Timeout fetching a project's Buildspec over HTTP")
	serveCmd.MarkFlagRequired("ssh-key")
	serveCmd.MarkFlagRequired("hypervisor")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	hvFlags, _ := cmd.Flags().GetStringArray("hypervisor")
	endpoints, err := parseHypervisors(hvFlags)
	if err != nil {
		return err
	}

	workdir, _ := cmd.Flags().GetString("workdir")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	addr, _ := cmd.Flags().GetString("addr")
	sshKeyPath, _ := cmd.Flags().GetString("ssh-key")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	phoneHomeTimeout, _ := cmd.Flags().GetDuration("phone-home-timeout")
	sshConnectTimeout, _ := cmd.Flags().GetDuration("ssh-connect-timeout")
	buildspecTimeout, _ := cmd.Flags().GetDuration("buildspec-fetch-timeout")

	signer, err := loadSSHSigner(sshKeyPath)
	if err != nil {
		return fmt.Errorf("loading ssh key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewBoltStore(filepath.Join(dataDir, "ipd.db"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	registry := projects.NewRegistry(store, nil)
	fetcher := buildspec.NewFetcher(buildspecTimeout)
	driver := lifecycle.NewDriver(store, lifecycle.Config{
		Templates:         lifecycle.NewTemplateStore(workdir),
		SSHSigner:         signer,
		SSHUser:           sshUser,
		PhoneHomeTimeout:  phoneHomeTimeout,
		SSHConnectTimeout: sshConnectTimeout,
	})

	sched := scheduler.New(endpoints, registry, fetcher, store, driver)
	sched.Start()

	admin := adminapi.NewServer(registry, sched)
	errCh := make(chan error, 1)
	go func() {
		if err := admin.Start(addr); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", addr).Int("hypervisors", len(endpoints)).Msg("ipd serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("admin API server error")
	}

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(scheduler.StopTimeout):
		logger.Warn().Msg("scheduler did not drain within the stop timeout")
	}
	return nil
}

// parseHypervisors parses repeatable --hypervisor key=address:port[:driver[:mode]]
// flags into the pool configuration the scheduler dials against.
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

func loadSSHSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/log"
	"github.com/cuemby/govcp/internal/security"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/spf13/cobra"
)

var (
	workerTokenID      string
	workerTokenGroups  string
	workerTokenMaxWIP  int
	workerTokenSSHHost string
	workerTokenSSHUser string
	workerTokenLocal   int
	workerTokenRemote  int
)

var workerTokenCmd = &cobra.Command{
	Use:   "worker-token",
	Short: "Register a worker and print its shared HMAC secret",
	Long: `worker-token bootstraps a worker registry row: it mints a fresh
shared HMAC secret, stores it encrypted at rest, and prints the plaintext
once so the operator can hand it to the worker process out of band. The
secret is never persisted or logged in plaintext.`,
	RunE: runWorkerToken,
}

func init() {
	workerTokenCmd.Flags().StringVar(&workerTokenID, "id", "", "worker id (required)")
	workerTokenCmd.Flags().StringVar(&workerTokenGroups, "groups", "", "comma-separated group folders this worker serves")
	workerTokenCmd.Flags().IntVar(&workerTokenMaxWIP, "max-wip", 1, "maximum concurrent in-flight jobs")
	workerTokenCmd.Flags().StringVar(&workerTokenSSHHost, "ssh-host", "", "SSH host for the worker's reverse tunnel")
	workerTokenCmd.Flags().StringVar(&workerTokenSSHUser, "ssh-user", "", "SSH user for the worker's reverse tunnel")
	workerTokenCmd.Flags().IntVar(&workerTokenLocal, "local-port", 0, "local port the tunnel forwards to")
	workerTokenCmd.Flags().IntVar(&workerTokenRemote, "remote-port", 0, "remote port the worker listens on")
	_ = workerTokenCmd.MarkFlagRequired("id")
}

func runWorkerToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := log.WithComponent("worker-token")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	secretsMgr, err := security.NewSecretsManagerFromSeed(cfg.WorkerSharedSecretSeed)
	if err != nil {
		return err
	}

	plaintext, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	encrypted, err := secretsMgr.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting secret: %w", err)
	}

	var groups []string
	if workerTokenGroups != "" {
		groups = strings.Split(workerTokenGroups, ",")
	}

	now := time.Now()
	w := &types.Worker{
		ID:              workerTokenID,
		SSHHost:         workerTokenSSHHost,
		SSHUser:         workerTokenSSHUser,
		LocalPort:       workerTokenLocal,
		RemotePort:      workerTokenRemote,
		MaxWIP:          workerTokenMaxWIP,
		Status:          types.WorkerOffline,
		EncryptedSecret: encrypted,
		Groups:          groups,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreateWorker(w); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}

	logger.Info().Str("worker_id", w.ID).Strs("groups", groups).Msg("worker registered")
	fmt.Printf("worker %s registered; shared secret (store this, it will not be shown again):\n%s\n", w.ID, string(plaintext))
	return nil
}

func randomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(b)), nil
}

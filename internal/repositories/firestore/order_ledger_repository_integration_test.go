//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/gorgonstone/api/internal/domain"
	pconfig "github.com/gorgonstone/api/internal/platform/config"
	pfirestore "github.com/gorgonstone/api/internal/platform/firestore"
	"github.com/gorgonstone/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestOrderLedgerRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "ledger-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewOrderLedgerRepository(provider)
	if err != nil {
		t.Fatalf("new order ledger repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	order := domain.Order{
		OrderID: "pi_100",
		UserID:  "uid-1",
		Items: []domain.OrderItem{{
			Name:      "Serpent Mug",
			Size:      "One Size",
			Quantity:  1,
			UnitPrice: 15.50,
		}},
		Subtotal:        15.50,
		ShippingCost:    3.50,
		Status:          domain.OrderStatusPaid,
		CreatedAt:       time.Date(2025, 4, 30, 18, 45, 0, 0, time.UTC),
		LegacySessionID: "cs_test_100",
	}

	key := repositories.LedgerKey("uid-1", "pi_100")
	if err := repo.Set(ctx, key, order); err != nil {
		t.Fatalf("set: %v", err)
	}

	stored, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.OrderID != "pi_100" || stored.Subtotal != 15.50 || stored.LegacySessionID != "cs_test_100" {
		t.Fatalf("round-trip mismatch: %+v", stored)
	}
	if len(stored.Items) != 1 || stored.Items[0].Name != "Serpent Mug" {
		t.Fatalf("items did not survive round-trip: %+v", stored.Items)
	}

	// Seed records for two owners; prefix scan must stay per-owner.
	other := order
	other.OrderID = "pi_200"
	other.UserID = "uid-2"
	if err := repo.Set(ctx, repositories.LedgerKey("uid-2", "pi_200"), other); err != nil {
		t.Fatalf("set other owner: %v", err)
	}
	second := order
	second.OrderID = "cs_test_300"
	if err := repo.Set(ctx, repositories.LedgerKey("uid-1", "cs_test_300"), second); err != nil {
		t.Fatalf("set second: %v", err)
	}

	entries, err := repo.ScanOwner(ctx, "uid-1")
	if err != nil {
		t.Fatalf("scan owner: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for uid-1, got %d", len(entries))
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Key, repositories.OwnerPrefix("uid-1")) {
			t.Fatalf("scan leaked foreign key %s", entry.Key)
		}
	}

	migrated := second
	migrated.OrderID = "pi_300"
	migrated.LegacySessionID = "cs_test_300"
	fromKey := repositories.LedgerKey("uid-1", "cs_test_300")
	toKey := repositories.LedgerKey("uid-1", "pi_300")
	if err := repo.Migrate(ctx, fromKey, toKey, migrated); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := repo.Get(ctx, fromKey); err == nil {
		t.Fatal("expected legacy key removed after migrate")
	}
	moved, err := repo.Get(ctx, toKey)
	if err != nil {
		t.Fatalf("get migrated: %v", err)
	}
	if moved.OrderID != "pi_300" || moved.LegacySessionID != "cs_test_300" {
		t.Fatalf("unexpected migrated record %+v", moved)
	}

	if err := repo.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, key); err == nil {
		t.Fatal("expected not found after delete")
	} else {
		type repoClassifier interface{ IsNotFound() bool }
		var cls repoClassifier
		if !errors.As(err, &cls) || !cls.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}

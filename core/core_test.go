package core

import (
	"context"
	"testing"

	"github.com/pagemill/pagemill/config"
)

type nopEngine struct{}

func (nopEngine) Load(ctx context.Context) error { return nil }
func (nopEngine) Generate(ctx context.Context, img []byte, prompt string, maxNewTokens int) (string, error) {
	return "text", nil
}
func (nopEngine) Release(ctx context.Context) {}
func (nopEngine) Device() string              { return "cpu" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoragePath: t.TempDir(),
		ModelURL:    "http://localhost:9090",
		ModelName:   "test-model",
		Device:      "cpu",
		ListenAddr:  ":0",
		MaxFileSize: config.DefaultMaxFileSize,
		MaxWorkers:  2,
	}
}

func TestForUserCachesSpaces(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), nopEngine{})
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	defer c.Close()

	a1, err := c.ForUser("alice@example.com")
	if err != nil {
		t.Fatalf("failed to resolve user: %v", err)
	}
	a2, err := c.ForUser("alice@example.com")
	if err != nil {
		t.Fatalf("failed to resolve user again: %v", err)
	}
	if a1 != a2 {
		t.Error("expected the same space for repeated lookups")
	}

	b, err := c.ForUser("bob@example.com")
	if err != nil {
		t.Fatalf("failed to resolve second user: %v", err)
	}
	if b == a1 {
		t.Error("expected distinct spaces for distinct users")
	}
	if b.Gateway.UserHash() == a1.Gateway.UserHash() {
		t.Error("expected distinct partitions for distinct users")
	}
}

func TestAnonymousUser(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), nopEngine{})
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	defer c.Close()

	anon, err := c.ForUser("")
	if err != nil {
		t.Fatalf("failed to resolve anonymous user: %v", err)
	}
	if anon.Email == "" {
		t.Error("expected anonymous email to be filled with the sentinel")
	}
}

func TestForUserHash(t *testing.T) {
	c, err := New(context.Background(), testConfig(t), nopEngine{})
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	defer c.Close()

	us, err := c.ForUser("alice@example.com")
	if err != nil {
		t.Fatalf("failed to resolve user: %v", err)
	}

	got, ok := c.ForUserHash(us.Gateway.UserHash())
	if !ok || got != us {
		t.Error("expected hash lookup to return the cached space")
	}
	if _, ok := c.ForUserHash("ffffffffffff"); ok {
		t.Error("expected unknown hash to miss")
	}
}
